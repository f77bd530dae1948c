package loader

import (
	"bytes"
	"io"
	"io/ioutil"

	"github.com/pkg/errors"
)

var ErrUnknownMagic = errors.New("could not identify file magic")

func LoadFile(path string) (*ElfLoader, error) {
	p, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(bytes.NewReader(p))
}

func Load(r io.ReaderAt) (*ElfLoader, error) {
	if !MatchElf(r) {
		return nil, errors.WithStack(ErrUnknownMagic)
	}
	return NewElfLoader(r)
}
