// Copyright ©2023 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package imaging

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
	"strings"
	"unicode/utf16"

	"github.com/klauspost/compress/zlib"
)

// sRGBProfileSize is the size of the sRGB IEC 61966-2.1 profile.
const sRGBProfileSize = 3144

// compactProfileSize is the size of the compact sRGB profile embedded by
// common web image pipelines.
const compactProfileSize = 524

// deviceModelOffset is the offset of the device model field in an ICC
// profile header.
const deviceModelOffset = 0x34

// IsKnownSRGBProfile returns whether the ICC profile p is a recognized
// sRGB profile, either the IEC 61966-2.1 profile or the compact profile
// that is embedded by common web image pipelines.
func IsKnownSRGBProfile(p []byte) bool {
	switch len(p) {
	case sRGBProfileSize:
		return string(p[deviceModelOffset:deviceModelOffset+4]) == "sRGB"
	case compactProfileSize:
		desc, ok := profileDescription(p)
		return ok && (desc == "c2" || strings.Contains(desc, "sRGB"))
	}
	return false
}

// profileDescription returns the text of the profileDescriptionTag of the
// ICC profile p. Both the v2 textDescriptionType and the v4
// multiLocalizedUnicodeType encodings are handled; for the latter the
// first record is used.
func profileDescription(p []byte) (string, bool) {
	const (
		tagTableOffset = 128
		tagEntrySize   = 12
	)
	if len(p) < tagTableOffset+4 {
		return "", false
	}
	n := int(binary.BigEndian.Uint32(p[tagTableOffset:]))
	for i := 0; i < n; i++ {
		e := tagTableOffset + 4 + i*tagEntrySize
		if e+tagEntrySize > len(p) {
			return "", false
		}
		if string(p[e:e+4]) != "desc" {
			continue
		}
		off := int(binary.BigEndian.Uint32(p[e+4:]))
		size := int(binary.BigEndian.Uint32(p[e+8:]))
		if off < 0 || size < 12 || off+size > len(p) {
			return "", false
		}
		tag := p[off : off+size]
		switch string(tag[:4]) {
		case "desc":
			l := int(binary.BigEndian.Uint32(tag[8:]))
			if l < 1 || 12+l > len(tag) {
				return "", false
			}
			return strings.TrimRight(string(tag[12:12+l]), "\x00"), true
		case "mluc":
			if len(tag) < 28 {
				return "", false
			}
			l := int(binary.BigEndian.Uint32(tag[20:]))
			o := int(binary.BigEndian.Uint32(tag[24:]))
			if l < 0 || o < 0 || o+l > len(tag) {
				return "", false
			}
			u := make([]uint16, l/2)
			for j := range u {
				u[j] = binary.BigEndian.Uint16(tag[o+2*j:])
			}
			return string(utf16.Decode(u)), true
		}
		return "", false
	}
	return "", false
}

// embeddedProfile returns the ICC profile embedded in b if the container
// kind supports one. A nil profile and nil error is returned if there is
// no profile.
func embeddedProfile(kind ContainerKind, b []byte) ([]byte, error) {
	switch kind {
	case KindPNG:
		return pngProfile(b)
	case KindJPEG:
		return jpegProfile(b)
	}
	return nil, nil
}

var errTruncated = errors.New("truncated profile container")

// pngProfile returns the inflated iCCP chunk of the PNG data in b.
func pngProfile(b []byte) ([]byte, error) {
	var (
		profile []byte
		err     error
	)
	perr := pngChunks(b, func(typ string, data []byte) bool {
		if typ != "iCCP" {
			return true
		}
		// Profile name, NUL, compression method, data.
		i := bytes.IndexByte(data, 0)
		if i < 0 || i+2 > len(data) {
			err = errTruncated
			return false
		}
		if data[i+1] != 0 {
			err = errors.New("unknown iCCP compression method")
			return false
		}
		var r io.ReadCloser
		r, err = zlib.NewReader(bytes.NewReader(data[i+2:]))
		if err != nil {
			return false
		}
		defer r.Close()
		profile, err = io.ReadAll(r)
		return false
	})
	return profile, errors.Join(perr, err)
}

// pngChunks calls fn for each chunk preceding the image data of the PNG
// data in b until fn returns false.
func pngChunks(b []byte, fn func(typ string, data []byte) bool) error {
	const sigLen = 8
	if len(b) < sigLen {
		return errTruncated
	}
	b = b[sigLen:]
	for len(b) >= 8 {
		n := int(binary.BigEndian.Uint32(b))
		typ := string(b[4:8])
		if n < 0 || len(b) < 12+n {
			return errTruncated
		}
		if typ == "IDAT" || typ == "IEND" {
			return nil
		}
		if !fn(typ, b[8:8+n]) {
			return nil
		}
		b = b[12+n:]
	}
	return nil
}

// jpegProfile returns the reassembled ICC_PROFILE APP2 segments of the
// JPEG data in b.
func jpegProfile(b []byte) ([]byte, error) {
	const (
		app2 = 0xe2
		sos  = 0xda
		eoi  = 0xd9
	)
	iccTag := []byte("ICC_PROFILE\x00")
	type chunk struct {
		seq  byte
		data []byte
	}
	var chunks []chunk
	b = b[2:]
	for len(b) >= 4 {
		if b[0] != 0xff {
			return nil, errTruncated
		}
		marker := b[1]
		if marker == sos || marker == eoi {
			break
		}
		if marker == 0xff || (marker >= 0xd0 && marker <= 0xd7) {
			// Fill byte or standalone marker.
			b = b[1:]
			if marker != 0xff {
				b = b[1:]
			}
			continue
		}
		n := int(binary.BigEndian.Uint16(b[2:]))
		if n < 2 || len(b) < 2+n {
			return nil, errTruncated
		}
		seg := b[4 : 2+n]
		if marker == app2 && bytes.HasPrefix(seg, iccTag) && len(seg) >= len(iccTag)+2 {
			chunks = append(chunks, chunk{seq: seg[len(iccTag)], data: seg[len(iccTag)+2:]})
		}
		b = b[2+n:]
	}
	if len(chunks) == 0 {
		return nil, nil
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].seq < chunks[j].seq })
	var p []byte
	for _, c := range chunks {
		p = append(p, c.data...)
	}
	return p, nil
}
