package modulemap

// SectionDescriptor is a decoded section record of a module load event.
type SectionDescriptor struct {
	Name            string `yaml:"name" json:"name"`
	RuntimeLoadBase uint64 `yaml:"runtime_load_base" json:"runtime_load_base"`
	NativeLoadBase  uint64 `yaml:"native_load_base" json:"native_load_base"`
	Size            uint64 `yaml:"size" json:"size"`
	Readable        bool   `yaml:"readable" json:"readable"`
	Writable        bool   `yaml:"writable" json:"writable"`
	Executable      bool   `yaml:"executable" json:"executable"`
}

// ModuleDescriptor is a decoded module load/unload event.
type ModuleDescriptor struct {
	Name     string              `yaml:"name" json:"name"`
	Path     string              `yaml:"path" json:"path"`
	Pid      PidKey              `yaml:"pid" json:"pid"`
	Sections []SectionDescriptor `yaml:"sections" json:"sections"`
}
