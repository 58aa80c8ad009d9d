package archive

import (
	"bytes"
	"strings"
)

// Kind identifies an archive container and its compression.
type Kind int

const (
	KindUnknown Kind = iota
	KindZip
	KindTar
	KindTarGz
	KindTarXz
	KindTarZst
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindZip:
		return "zip"
	case KindTar:
		return "tar"
	case KindTarGz:
		return "tar.gz"
	case KindTarXz:
		return "tar.xz"
	case KindTarZst:
		return "tar.zst"
	default:
		return "unknown"
	}
}

// IsTar reports whether the kind is a member of the tar family.
func (k Kind) IsTar() bool {
	return k == KindTar || k == KindTarGz || k == KindTarXz || k == KindTarZst
}

// Magic bytes for archive detection
var (
	zipMagic      = []byte("PK\x03\x04")
	zipEmptyMagic = []byte("PK\x05\x06")
	gzipMagic     = []byte{0x1F, 0x8B}
	zstdMagic     = []byte{0x28, 0xB5, 0x2F, 0xFD}
	xzMagic       = []byte{0xFD, 0x37, 0x7A, 0x58, 0x5A, 0x00}
	tarMagic      = []byte("ustar")
)

// Longest suffixes first so ".tar.gz" wins over ".gz"-less ".tar" checks.
var extensions = []struct {
	suffix string
	kind   Kind
}{
	{".tar.gz", KindTarGz},
	{".tgz", KindTarGz},
	{".tar.xz", KindTarXz},
	{".txz", KindTarXz},
	{".tar.zst", KindTarZst},
	{".tzst", KindTarZst},
	{".tar", KindTar},
	{".zip", KindZip},
}

// KindFromName determines the archive kind from a file name's extension.
func KindFromName(name string) Kind {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext.suffix) {
			return ext.kind
		}
	}
	return KindUnknown
}

// HasSupportedExtension reports whether name ends in an archive extension
// that can be opened as a package.
func HasSupportedExtension(name string) bool {
	return KindFromName(name) != KindUnknown
}

// TrimExtension removes a supported archive extension from name.
func TrimExtension(name string) string {
	lower := strings.ToLower(name)
	for _, ext := range extensions {
		if strings.HasSuffix(lower, ext.suffix) {
			return name[:len(name)-len(ext.suffix)]
		}
	}
	return name
}

// DetectKind determines the archive kind. The extension decides; magic
// bytes are only consulted when the name carries no known extension.
func DetectKind(name string, header []byte) Kind {
	if kind := KindFromName(name); kind != KindUnknown {
		return kind
	}

	switch {
	case bytes.HasPrefix(header, zipMagic), bytes.HasPrefix(header, zipEmptyMagic):
		return KindZip
	case bytes.HasPrefix(header, gzipMagic):
		return KindTarGz
	case bytes.HasPrefix(header, xzMagic):
		return KindTarXz
	case bytes.HasPrefix(header, zstdMagic):
		return KindTarZst
	case len(header) >= 262 && bytes.Equal(header[257:262], tarMagic):
		return KindTar
	}
	return KindUnknown
}
