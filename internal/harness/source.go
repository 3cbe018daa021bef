package harness

import (
	"path/filepath"
	"strings"

	"github.com/go-enry/go-enry/v2"
)

const javaScript = "JavaScript"

// prepareSource checks that src is a JavaScript text file and blanks a
// leading shebang line so line numbers are preserved.
func prepareSource(filename, src string, maxBytes int) (string, error) {
	if strings.TrimSpace(src) == "" {
		return "", invalidf("load_script", "script is empty")
	}
	if maxBytes > 0 && len(src) > maxBytes {
		return "", invalidf("load_script", "script too large: %d bytes (max %d)", len(src), maxBytes)
	}
	if enry.IsBinary([]byte(src)) {
		return "", invalidf("load_script", "script is binary")
	}

	if filepath.Ext(filename) != "" {
		if lang, _ := enry.GetLanguageByExtension(filename); lang != "" && lang != javaScript {
			return "", invalidf("load_script", "%s is %s, not JavaScript", filename, lang)
		}
	}

	if strings.HasPrefix(src, "#!") {
		if lang, _ := enry.GetLanguageByShebang([]byte(src)); lang != "" && lang != javaScript {
			return "", invalidf("load_script", "shebang selects %s, not JavaScript", lang)
		}
		if i := strings.IndexByte(src, '\n'); i >= 0 {
			src = src[i:]
		} else {
			src = ""
		}
	}
	return src, nil
}
