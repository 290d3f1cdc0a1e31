package universal

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Charset converts between UTF-8 and a named character encoding.
type Charset struct {
	name string
	enc  encoding.Encoding
}

// DefaultCharset is UTF-8.
var DefaultCharset = Charset{name: "utf-8", enc: unicode.UTF8}

// LookupCharset resolves a WHATWG encoding label such as "UTF-8" or "latin1".
func LookupCharset(label string) (Charset, error) {
	if strings.TrimSpace(label) == "" {
		return DefaultCharset, nil
	}

	enc, err := htmlindex.Get(label)
	if err != nil {
		return Charset{}, fmt.Errorf("%w: %q", ErrUnknownCharset, label)
	}

	name, err := htmlindex.Name(enc)
	if err != nil {
		name = strings.ToLower(label)
	}

	return Charset{name: name, enc: enc}, nil
}

// Name is the canonical label, suitable for a Content-Type header.
func (c Charset) Name() string {
	if c.enc == nil {
		return DefaultCharset.name
	}
	return c.name
}

func (c Charset) isUTF8() bool {
	return c.enc == nil || c.name == DefaultCharset.name
}

// Decode converts b from the charset to a UTF-8 string.
func (c Charset) Decode(b []byte) (string, error) {
	if c.isUTF8() {
		return string(b), nil
	}

	out, err := c.enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", c.name, err)
	}
	return string(out), nil
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

// NewHTMLWriter encodes UTF-8 html written to it into w. Characters the
// charset cannot represent are written as numeric character references.
// Close flushes the encoder.
func (c Charset) NewHTMLWriter(w io.Writer) io.WriteCloser {
	if c.isUTF8() {
		return nopWriteCloser{w}
	}
	return transform.NewWriter(w, encoding.HTMLEscapeUnsupported(c.enc.NewEncoder()))
}
