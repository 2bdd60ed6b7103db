package livepatch

// Symbol is a named code or data location at its runtime address.
type Symbol struct {
	Name string
	Addr uintptr
	Size uint64
}

// SymbolResolver resolves a symbol name to a runtime address. This is the only
// contract the patch and hook engines need from the runtime introspection
// layer.
type SymbolResolver interface {
	LookupSymbol(name string) (uintptr, error)
}

// AddressSymbolizer maps a runtime address back to the symbol containing it.
type AddressSymbolizer interface {
	SymbolAt(addr uintptr) (Symbol, error)
}

// SymbolFunc adapts a plain function to SymbolResolver.
type SymbolFunc func(name string) (uintptr, error)

func (f SymbolFunc) LookupSymbol(name string) (uintptr, error) {
	return f(name)
}

// SymbolTable is a fixed name to address mapping.
type SymbolTable map[string]uintptr

func (t SymbolTable) LookupSymbol(name string) (uintptr, error) {
	if addr, ok := t[name]; ok && addr != 0 {
		return addr, nil
	}
	return 0, newError(ErrSymbolNotFound, "lookup", quote(name), nil)
}
