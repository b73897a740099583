// Package mimetype guards file downloads against HTML payloads. A vendor
// login redirect served with a 200 looks like a successful download but
// carries an HTML document where an archive or binary was expected; the
// sniffer catches that before anything is written to the library.
package mimetype

import (
	"fmt"

	"github.com/rakyll/magicmime"

	"github.com/objstash/objstash/validation"
)

// sniffThreshold bounds how much of a payload is handed to libmagic.
const sniffThreshold = 1024

// ErrHTMLPayload reports a payload that is an HTML document where binary
// content was expected.
type ErrHTMLPayload struct {
	Filename string
	Detected string
}

func (e *ErrHTMLPayload) Error() string {
	return fmt.Sprintf("payload for %q is HTML, not binary (%s)", e.Filename, e.Detected)
}

// Sniffer checks downloaded payloads before they reach disk. It combines
// two detectors: a cheap leading-window signature match and, when libmagic
// is available, a mime-type lookup on the same window.
//
// A Sniffer is not safe for concurrent use; each file-download worker
// creates its own.
type Sniffer struct {
	decoder *magicmime.Decoder
}

// NewSniffer returns a Sniffer. When libmagic cannot be initialized the
// sniffer degrades to the signature match alone.
func NewSniffer() *Sniffer {
	decoder, err := magicmime.NewDecoder(magicmime.MAGIC_MIME_TYPE)
	if err != nil {
		return &Sniffer{}
	}
	return &Sniffer{decoder: decoder}
}

// Sniff inspects the leading window of data and returns *ErrHTMLPayload if
// it looks like an HTML document. Empty payloads are rejected the same
// way; a zero-byte archive is never a real download.
func (s *Sniffer) Sniff(filename string, data []byte) error {
	window := data
	if len(window) > sniffThreshold {
		window = window[:sniffThreshold]
	}

	if validation.IsHTML(window) {
		return &ErrHTMLPayload{Filename: filename, Detected: "html signature"}
	}

	// TypeByBuffer panics on empty input; IsHTML already rejected that
	// case above.
	if s.decoder != nil {
		mime, err := s.decoder.TypeByBuffer(window)
		if err != nil {
			return nil
		}
		if mime == "text/html" || mime == "application/xhtml+xml" {
			return &ErrHTMLPayload{Filename: filename, Detected: mime}
		}
	}

	return nil
}

// Close releases the libmagic decoder, if one was initialized.
func (s *Sniffer) Close() {
	if s.decoder != nil {
		s.decoder.Close()
	}
}
