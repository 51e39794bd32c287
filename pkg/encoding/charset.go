package encoding

import (
	"fmt"
	"mime"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/htmlindex"
)

// ToUTF8 converts a response body to UTF-8 according to the charset of its Content-Type.
// Legacy gateways in front of the cloud still answer in Windows-1252; UTF-8 and
// unlabeled bodies are returned untouched.
func ToUTF8(contentType string, body []byte) ([]byte, error) {
	if len(body) == 0 || contentType == "" {
		return body, nil
	}

	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil
	}

	charset := strings.ToLower(strings.TrimSpace(params["charset"]))
	switch charset {
	case "", "utf-8", "utf8":
		return body, nil
	case "windows-1252", "cp1252", "win1252":
		return charmap.Windows1252.NewDecoder().Bytes(body)
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, fmt.Errorf("unsupported charset %q: %w", charset, err)
	}
	decoded, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", charset, err)
	}
	return decoded, nil
}
