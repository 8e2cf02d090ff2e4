package registry

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const firmwareFilename = "firmware.bin"

var (
	gzipMagic = []byte{0x1F, 0x8B}
	zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}
)

// ExtractFirmware returns the firmware payload from a fetched blob. Some
// registries store the raw binary directly; others store a gzip- or
// zstd-compressed tar archive containing a firmware.bin entry alongside
// other release artifacts. Blobs that match none of these signatures are
// returned unchanged.
func ExtractFirmware(data []byte) ([]byte, error) {
	isGzip := bytes.HasPrefix(data, gzipMagic)
	isZstd := bytes.HasPrefix(data, zstdMagic)
	isTar := len(data) >= 262 && string(data[257:262]) == "ustar"

	if !isGzip && !isZstd && !isTar {
		return data, nil
	}

	var r io.Reader
	switch {
	case isGzip:
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer gz.Close()
		r = gz
	case isZstd:
		zr, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	default:
		r = bytes.NewReader(data)
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar archive: %w", err)
		}
		if strings.HasSuffix(hdr.Name, firmwareFilename) {
			buf, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("reading %s from archive: %w", firmwareFilename, err)
			}
			return buf, nil
		}
	}
	return nil, fmt.Errorf("%s not found in archive", firmwareFilename)
}
