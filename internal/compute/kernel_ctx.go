package compute

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/fxnlabs/lnorm/internal/dtype"
)

// KernelCtx is the set of compile-time definitions a program is built with.
// Two contexts holding the same definitions render the same Options string
// and therefore share a Key.
type KernelCtx struct {
	ints   map[string]int64
	floats map[string]float32
	types  map[string]dtype.DataType
}

func NewKernelCtx() *KernelCtx {
	return &KernelCtx{
		ints:   make(map[string]int64),
		floats: make(map[string]float32),
		types:  make(map[string]dtype.DataType),
	}
}

// DefineInt sets an integer macro. Booleans are defined as 0/1.
func (k *KernelCtx) DefineInt(name string, v int64) { k.ints[name] = v }

// DefineBool is DefineInt with 0 or 1.
func (k *KernelCtx) DefineBool(name string, v bool) {
	if v {
		k.ints[name] = 1
		return
	}
	k.ints[name] = 0
}

func (k *KernelCtx) DefineFloat(name string, v float32) { k.floats[name] = v }

// DefineDataType binds a type macro such as SRC_DT.
func (k *KernelCtx) DefineDataType(name string, dt dtype.DataType) { k.types[name] = dt }

// Int returns the integer macro name, or 0 when it is not defined.
func (k *KernelCtx) Int(name string) int64 { return k.ints[name] }

func (k *KernelCtx) Bool(name string) bool { return k.ints[name] != 0 }

func (k *KernelCtx) Float(name string) float32 { return k.floats[name] }

func (k *KernelCtx) DataType(name string) dtype.DataType { return k.types[name] }

// Defined reports whether any macro called name exists.
func (k *KernelCtx) Defined(name string) bool {
	_, i := k.ints[name]
	_, f := k.floats[name]
	_, t := k.types[name]
	return i || f || t
}

// Options renders the definitions as a sorted list of -D flags.
func (k *KernelCtx) Options() []string {
	opts := make([]string, 0, len(k.ints)+len(k.floats)+len(k.types))
	for name, v := range k.ints {
		opts = append(opts, fmt.Sprintf("-D%s=%d", name, v))
	}
	for name, v := range k.floats {
		opts = append(opts, fmt.Sprintf("-D%s=%sf", name, strconv.FormatFloat(float64(v), 'g', -1, 32)))
	}
	for name, v := range k.types {
		opts = append(opts, fmt.Sprintf("-D%s=%s", name, v))
	}
	slices.Sort(opts)
	return opts
}

func (k *KernelCtx) String() string { return strings.Join(k.Options(), " ") }

// Key is a stable digest of Options.
func (k *KernelCtx) Key() string {
	sum := sha256.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:8])
}

// Clone returns an independent copy.
func (k *KernelCtx) Clone() *KernelCtx {
	return &KernelCtx{
		ints:   maps.Clone(k.ints),
		floats: maps.Clone(k.floats),
		types:  maps.Clone(k.types),
	}
}
