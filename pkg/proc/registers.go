package proc

import (
	"fmt"
	"strings"
)

// Registers is an interface for a generic register type. The
// interface encapsulates the generic values / actions
// we need independent of arch. The concrete register types
// will be different depending on OS/Arch.
type Registers interface {
	PC() uint64
	SP() uint64
	BP() uint64
	// Get returns the value of the register with the given (case
	// insensitive) name.
	Get(name string) (uint64, error)
	Slice() []Register
}

// Register represents a CPU register.
type Register struct {
	Name  string
	Value uint64
}

func (r Register) String() string {
	return fmt.Sprintf("%s = %#x", strings.ToUpper(r.Name), r.Value)
}
