package fuzzy

import (
	"bufio"
	"os"

	"github.com/glaslos/tlsh"
)

// TLSHHasher wraps trend-micro locality sensitive hashing. TLSH needs
// a minimum input length and byte variety; short or uniform files
// return an error and simply go unhashed.
type TLSHHasher struct{}

func (h TLSHHasher) Name() string {
	return "tlsh"
}

func (h TLSHHasher) HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	hash, err := tlsh.HashReader(reader)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

func (h TLSHHasher) HashBytes(data []byte) (string, error) {
	hash, err := tlsh.HashBytes(data)
	if err != nil {
		return "", err
	}
	return hash.String(), nil
}

// Distance scores the similarity of two TLSH strings; lower is more
// similar, zero is identical.
func Distance(a, b string) (int, error) {
	ha, err := tlsh.ParseStringToTlsh(a)
	if err != nil {
		return 0, err
	}
	hb, err := tlsh.ParseStringToTlsh(b)
	if err != nil {
		return 0, err
	}
	return ha.Diff(hb), nil
}

func init() {
	Register(TLSHHasher{})
}
