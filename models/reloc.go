package models

// Reloc is one entry from a .rel.dyn or .rel.plt section. i386 uses REL
// entries, so the addend is implicit in the word already stored at Off.
type Reloc struct {
	Off      uint64
	Type     int
	SymIndex int
	Sym      *Symbol
}

// TlsTemplate is the PT_TLS initialization image of one module. Data holds
// the file-backed initializer; Size extends past len(Data) for tbss.
type TlsTemplate struct {
	Data  []byte
	Size  uint64
	Align uint64
}
