package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".xdb"
	configFile string = "config.yml"
)

// Defaults used when the corresponding option is not set.
const (
	DefaultInstructionCount = 16
	DefaultPCColor          = 33
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// Commands aliases.
	Aliases map[string][]string `yaml:"aliases"`

	// DisassembleFlavor allows user to specify output syntax flavor of
	// assembly, one of "intel" (default), "gnu" or "go".
	DisassembleFlavor *string `yaml:"disassemble-flavor,omitempty"`

	// WindowSize is the number of bytes decoded at a time around the
	// program counter.
	WindowSize int `yaml:"window-size,omitempty"`

	// InstructionCount is the number of instructions printed by
	// disassemble and after every stop.
	InstructionCount int `yaml:"instruction-count,omitempty"`

	// PCColor is the color of the line at the program counter (3/4 bit
	// color codes as defined here:
	// https://en.wikipedia.org/wiki/ANSI_escape_code#Colors)
	PCColor int `yaml:"color-pc,omitempty"`

	// DisableASLR turns off address space randomization of launched
	// processes.
	DisableASLR bool `yaml:"disable-aslr"`
}

// GetInstructionCount returns the configured instruction count or its
// default.
func (c *Config) GetInstructionCount() int {
	if c == nil || c.InstructionCount <= 0 {
		return DefaultInstructionCount
	}
	return c.InstructionCount
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("%v.", err)
		return &Config{}
	}
	return c
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %v", err)
	}

	var c Config
	err = yaml.Unmarshal(data, &c)
	if err != nil {
		return nil, fmt.Errorf("unable to decode config file: %v", err)
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %v", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the xdb debugger.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Provided aliases will be added to the default aliases for a given command.
aliases:
  # command: ["alias1", "alias2"]

# Syntax of the disassembly, one of intel, gnu or go.
# disassemble-flavor: intel

# Number of bytes decoded at a time around the program counter.
# window-size: 336

# Number of instructions printed by disassemble and at every stop.
# instruction-count: 16

# ANSI foreground color of the instruction at the program counter
# (if unset, default is 33, yellow) See https://en.wikipedia.org/wiki/ANSI_escape_code#3/4_bit
# color-pc: 33

# Uncomment the following line to launch processes without address space randomization.
# disable-aslr: true
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	if dir := os.Getenv("XDB_CONFIG_DIR"); dir != "" {
		return path.Join(dir, file), nil
	}

	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return path.Join(userHomeDir, configDir, file), nil
}
