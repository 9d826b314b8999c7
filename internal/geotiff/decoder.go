// Package geotiff decodes GeoTIFF tile buffers into GeoRasters.
//
// It handles the subset of the format the imagery provider emits: classic and
// BigTIFF headers, strip or tile data organization, band-interleaved pixels,
// uncompressed or DEFLATE-compressed segments, and integer or floating point
// samples. Geographic bounds come from the ModelPixelScale and ModelTiepoint
// tags; a GDAL_NODATA tag remaps the provider's sentinel to the pipeline's.
package geotiff

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"

	"github.com/solarscan/server/internal/raster"
)

type header struct {
	byteOrder binary.ByteOrder
	isBigTIFF bool
	ifdOffset uint64
}

// tagData holds one parsed IFD entry in its typed form.
type tagData struct {
	fType      fieldType
	asciiData  string
	shortData  []uint16
	longData   []uint32
	doubleData []float64
	uint64Data []uint64
}

type tags map[Tag]tagData

// decoder carries the parsed layout of one buffer while its segments are
// assembled into bands.
type decoder struct {
	buf       []byte
	byteOrder binary.ByteOrder
	tags      tags

	width           int
	height          int
	samplesPerPixel int
	bitsPerSample   int
	sampleFormat    int
	compression     int
	predictor       int

	tiled      bool
	tileWidth  int
	tileHeight int

	rowsPerStrip int

	segOffsets []uint64
	segCounts  []uint64

	noData    float64
	hasNoData bool
}

// Decode parses a GeoTIFF buffer into a GeoRaster. Bands are returned in
// file order as float64 slices of exactly width*height samples. Missing geo
// tags leave the bounds zero valued; callers that require geographic bounds
// validate them downstream.
func Decode(buf []byte) (*raster.GeoRaster, error) {
	if len(buf) < 8 {
		return nil, errors.New("buffer too short for a TIFF header")
	}

	h, err := readHeader(bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff header: %w", err)
	}

	gTags, err := readTags(buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff tags: %w", err)
	}

	d := &decoder{buf: buf, byteOrder: h.byteOrder, tags: gTags}
	if err := d.readLayout(); err != nil {
		return nil, err
	}

	bands, err := d.assembleBands()
	if err != nil {
		return nil, err
	}

	out := &raster.GeoRaster{
		Bands:  bands,
		Width:  d.width,
		Height: d.height,
		Bounds: d.bounds(),
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

func readHeader(r io.Reader) (header, error) {
	var h header

	var order uint16
	if err := binary.Read(r, binary.BigEndian, &order); err != nil {
		return h, err
	}
	switch order {
	case littleEndian:
		h.byteOrder = binary.LittleEndian
	case bigEndian:
		h.byteOrder = binary.BigEndian
	default:
		return h, errors.New("invalid byte order mark")
	}

	var identifier uint16
	if err := binary.Read(r, h.byteOrder, &identifier); err != nil {
		return h, err
	}
	switch identifier {
	case tiffIdentifier:
		var offset32 uint32
		if err := binary.Read(r, h.byteOrder, &offset32); err != nil {
			return h, err
		}
		h.ifdOffset = uint64(offset32)
	case bigTiffIdentifier:
		h.isBigTIFF = true
		var bytesize, reserved uint16
		if err := binary.Read(r, h.byteOrder, &bytesize); err != nil {
			return h, err
		}
		if bytesize != bigTiffBytesize {
			return h, errors.New("invalid BigTIFF bytesize")
		}
		if err := binary.Read(r, h.byteOrder, &reserved); err != nil {
			return h, err
		}
		if err := binary.Read(r, h.byteOrder, &h.ifdOffset); err != nil {
			return h, err
		}
	default:
		return h, fmt.Errorf("invalid tiff identifier: %d", identifier)
	}
	return h, nil
}

// readTags parses the first IFD only: the provider's tiles carry the
// full-resolution image there, and overviews are irrelevant to this pipeline.
func readTags(buf []byte, h header) (tags, error) {
	out := make(tags)
	if h.ifdOffset == 0 || h.ifdOffset >= uint64(len(buf)) {
		return nil, errors.New("file contains no IFDs")
	}
	r := bytes.NewReader(buf)
	if _, err := r.Seek(int64(h.ifdOffset), io.SeekStart); err != nil {
		return nil, err
	}

	var numEntries uint64
	if h.isBigTIFF {
		if err := binary.Read(r, h.byteOrder, &numEntries); err != nil {
			return nil, err
		}
	} else {
		var n16 uint16
		if err := binary.Read(r, h.byteOrder, &n16); err != nil {
			return nil, err
		}
		numEntries = uint64(n16)
	}

	entryLen := 12
	inlineSize := uint64(4)
	if h.isBigTIFF {
		entryLen = 20
		inlineSize = 8
	}

	for i := uint64(0); i < numEntries; i++ {
		entry := make([]byte, entryLen)
		if _, err := io.ReadFull(r, entry); err != nil {
			return nil, fmt.Errorf("failed to read IFD entry %d: %w", i, err)
		}

		tag := Tag(h.byteOrder.Uint16(entry[0:2]))
		fType := fieldType(h.byteOrder.Uint16(entry[2:4]))
		if fType.bytes() == 0 {
			continue
		}

		var count, valueOffset uint64
		var inline []byte
		if h.isBigTIFF {
			count = h.byteOrder.Uint64(entry[4:12])
			valueOffset = h.byteOrder.Uint64(entry[12:20])
			inline = entry[12:20]
		} else {
			count = uint64(h.byteOrder.Uint32(entry[4:8]))
			valueOffset = uint64(h.byteOrder.Uint32(entry[8:12]))
			inline = entry[8:12]
		}

		totalBytes := uint64(fType.bytes()) * count
		var data []byte
		if totalBytes <= inlineSize {
			data = inline[:totalBytes]
		} else {
			if valueOffset+totalBytes > uint64(len(buf)) {
				return nil, fmt.Errorf("tag %d value extends past buffer end", tag)
			}
			data = buf[valueOffset : valueOffset+totalBytes]
		}

		td, err := parseTagData(fType, count, data, h.byteOrder)
		if err != nil {
			return nil, fmt.Errorf("tag %d: %w", tag, err)
		}
		out[tag] = td
	}
	return out, nil
}

func parseTagData(fType fieldType, count uint64, data []byte, order binary.ByteOrder) (tagData, error) {
	t := tagData{fType: fType}
	r := bytes.NewReader(data)
	switch fType {
	case typeASCII:
		t.asciiData = string(bytes.Trim(data, "\x00"))
	case typeByte, typeUndefined:
		t.asciiData = string(data)
	case typeShort:
		t.shortData = make([]uint16, count)
		if err := binary.Read(r, order, &t.shortData); err != nil {
			return t, err
		}
	case typeLong:
		t.longData = make([]uint32, count)
		if err := binary.Read(r, order, &t.longData); err != nil {
			return t, err
		}
	case typeDouble:
		t.doubleData = make([]float64, count)
		if err := binary.Read(r, order, &t.doubleData); err != nil {
			return t, err
		}
	case typeLong8, typeIFD8:
		t.uint64Data = make([]uint64, count)
		if err := binary.Read(r, order, &t.uint64Data); err != nil {
			return t, err
		}
	default:
		// Types the decoder has no use for (rationals, signed variants).
	}
	return t, nil
}

func (d *decoder) readLayout() error {
	var ok bool
	if d.width, ok = d.uintTag(ImageWidth); !ok {
		return errors.New("missing or invalid tag: ImageWidth")
	}
	if d.height, ok = d.uintTag(ImageLength); !ok {
		return errors.New("missing or invalid tag: ImageLength")
	}
	if d.width <= 0 || d.height <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", d.width, d.height)
	}

	if d.samplesPerPixel, ok = d.uintTag(SamplesPerPixel); !ok {
		d.samplesPerPixel = 1
	}
	if d.bitsPerSample, ok = d.uintTag(BitsPerSample); !ok {
		d.bitsPerSample = 32
	}
	if d.sampleFormat, ok = d.uintTag(SampleFormat); !ok {
		d.sampleFormat = sampleFormatUint
	}
	if d.compression, ok = d.uintTag(Compression); !ok {
		d.compression = compressionNone
	}
	if d.predictor, ok = d.uintTag(Predictor); !ok {
		d.predictor = predictorNone
	}

	if pc, ok := d.uintTag(PlanarConfiguration); ok && pc != 1 {
		return fmt.Errorf("unsupported planar configuration %d (only chunky supported)", pc)
	}

	if _, tiled := d.tags[TileOffsets]; tiled {
		d.tiled = true
		if d.tileWidth, ok = d.uintTag(TileWidth); !ok {
			return errors.New("missing or invalid tag: TileWidth")
		}
		if d.tileHeight, ok = d.uintTag(TileLength); !ok {
			return errors.New("missing or invalid tag: TileLength")
		}
		if d.segOffsets, ok = d.uint64Slice(TileOffsets); !ok {
			return errors.New("missing or invalid tag: TileOffsets")
		}
		if d.segCounts, ok = d.uint64Slice(TileByteCounts); !ok {
			return errors.New("missing or invalid tag: TileByteCounts")
		}
	} else {
		if d.segOffsets, ok = d.uint64Slice(StripOffsets); !ok {
			return errors.New("missing or invalid tag: StripOffsets")
		}
		if d.segCounts, ok = d.uint64Slice(StripByteCounts); !ok {
			return errors.New("missing or invalid tag: StripByteCounts")
		}
		if d.rowsPerStrip, ok = d.uintTag(RowsPerStrip); !ok {
			d.rowsPerStrip = d.height
		}
	}
	if len(d.segOffsets) != len(d.segCounts) {
		return errors.New("segment offset/count length mismatch")
	}

	if nd, ok := d.tags[GDALNoData]; ok {
		s := strings.TrimSpace(nd.asciiData)
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			d.noData = v
			d.hasNoData = true
		}
	}

	switch d.bitsPerSample {
	case 8, 16, 32, 64:
	default:
		return fmt.Errorf("unsupported bits per sample: %d", d.bitsPerSample)
	}
	return nil
}

func (d *decoder) assembleBands() ([][]float64, error) {
	bands := make([][]float64, d.samplesPerPixel)
	for i := range bands {
		bands[i] = make([]float64, d.width*d.height)
	}

	if d.tiled {
		if err := d.assembleTiled(bands); err != nil {
			return nil, err
		}
	} else {
		if err := d.assembleStripped(bands); err != nil {
			return nil, err
		}
	}
	return bands, nil
}

func (d *decoder) assembleStripped(bands [][]float64) error {
	if d.rowsPerStrip <= 0 {
		return errors.New("invalid RowsPerStrip")
	}
	for s := range d.segOffsets {
		samples, err := d.segmentSamples(s)
		if err != nil {
			return fmt.Errorf("strip %d: %w", s, err)
		}
		startRow := s * d.rowsPerStrip
		rows := d.rowsPerStrip
		if startRow+rows > d.height {
			rows = d.height - startRow
		}
		want := rows * d.width * d.samplesPerPixel
		if len(samples) < want {
			return fmt.Errorf("strip %d holds %d samples, want %d", s, len(samples), want)
		}
		d.applyPredictor(samples, d.width)
		for i := 0; i < rows*d.width; i++ {
			pix := startRow*d.width + i
			for b := 0; b < d.samplesPerPixel; b++ {
				bands[b][pix] = d.normalize(samples[i*d.samplesPerPixel+b])
			}
		}
	}
	return nil
}

func (d *decoder) assembleTiled(bands [][]float64) error {
	if d.tileWidth <= 0 || d.tileHeight <= 0 {
		return errors.New("invalid tile dimensions")
	}
	tilesAcross := (d.width + d.tileWidth - 1) / d.tileWidth
	tilesDown := (d.height + d.tileHeight - 1) / d.tileHeight
	if len(d.segOffsets) < tilesAcross*tilesDown {
		return fmt.Errorf("%d tile segments, want %d", len(d.segOffsets), tilesAcross*tilesDown)
	}

	for ty := 0; ty < tilesDown; ty++ {
		for tx := 0; tx < tilesAcross; tx++ {
			seg := ty*tilesAcross + tx
			samples, err := d.segmentSamples(seg)
			if err != nil {
				return fmt.Errorf("tile %d: %w", seg, err)
			}
			want := d.tileWidth * d.tileHeight * d.samplesPerPixel
			if len(samples) < want {
				return fmt.Errorf("tile %d holds %d samples, want %d", seg, len(samples), want)
			}
			d.applyPredictor(samples, d.tileWidth)

			// Copy the clipped region; edge tiles run past the image.
			for y := 0; y < d.tileHeight; y++ {
				iy := ty*d.tileHeight + y
				if iy >= d.height {
					break
				}
				for x := 0; x < d.tileWidth; x++ {
					ix := tx*d.tileWidth + x
					if ix >= d.width {
						break
					}
					src := (y*d.tileWidth + x) * d.samplesPerPixel
					pix := iy*d.width + ix
					for b := 0; b < d.samplesPerPixel; b++ {
						bands[b][pix] = d.normalize(samples[src+b])
					}
				}
			}
		}
	}
	return nil
}

// segmentSamples reads, decompresses and type-converts one strip or tile.
func (d *decoder) segmentSamples(i int) ([]float64, error) {
	off := d.segOffsets[i]
	count := d.segCounts[i]
	if off+count > uint64(len(d.buf)) {
		return nil, fmt.Errorf("segment extends past buffer end (offset %d, count %d)", off, count)
	}
	raw := d.buf[off : off+count]

	switch d.compression {
	case compressionNone:
	case compressionDeflate, compressionDeflateOld:
		z, err := zlib.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to open deflate segment: %w", err)
		}
		defer z.Close()
		raw, err = io.ReadAll(z)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress segment: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported compression type: %d", d.compression)
	}

	return d.convertSamples(raw)
}

func (d *decoder) convertSamples(raw []byte) ([]float64, error) {
	step := d.bitsPerSample / 8
	n := len(raw) / step
	out := make([]float64, n)

	switch {
	case d.bitsPerSample == 8 && d.sampleFormat == sampleFormatUint:
		for i := 0; i < n; i++ {
			out[i] = float64(raw[i])
		}
	case d.bitsPerSample == 8 && d.sampleFormat == sampleFormatInt:
		for i := 0; i < n; i++ {
			out[i] = float64(int8(raw[i]))
		}
	case d.bitsPerSample == 16 && d.sampleFormat == sampleFormatUint:
		for i := 0; i < n; i++ {
			out[i] = float64(d.byteOrder.Uint16(raw[i*2:]))
		}
	case d.bitsPerSample == 16 && d.sampleFormat == sampleFormatInt:
		for i := 0; i < n; i++ {
			out[i] = float64(int16(d.byteOrder.Uint16(raw[i*2:])))
		}
	case d.bitsPerSample == 32 && d.sampleFormat == sampleFormatUint:
		for i := 0; i < n; i++ {
			out[i] = float64(d.byteOrder.Uint32(raw[i*4:]))
		}
	case d.bitsPerSample == 32 && d.sampleFormat == sampleFormatInt:
		for i := 0; i < n; i++ {
			out[i] = float64(int32(d.byteOrder.Uint32(raw[i*4:])))
		}
	case d.bitsPerSample == 32 && d.sampleFormat == sampleFormatFloat:
		for i := 0; i < n; i++ {
			out[i] = float64(math.Float32frombits(d.byteOrder.Uint32(raw[i*4:])))
		}
	case d.bitsPerSample == 64 && d.sampleFormat == sampleFormatFloat:
		for i := 0; i < n; i++ {
			out[i] = math.Float64frombits(d.byteOrder.Uint64(raw[i*8:]))
		}
	default:
		return nil, fmt.Errorf("unsupported sample layout (format %d, %d bits)", d.sampleFormat, d.bitsPerSample)
	}
	return out, nil
}

// applyPredictor reverses horizontal differencing in place. Each sample adds
// the previous pixel's sample of the same band.
func (d *decoder) applyPredictor(samples []float64, rowWidth int) {
	if d.predictor != predictorHorizontal || d.sampleFormat == sampleFormatFloat {
		return
	}
	stride := rowWidth * d.samplesPerPixel
	for row := 0; row*stride < len(samples); row++ {
		start := row * stride
		end := start + stride
		if end > len(samples) {
			end = len(samples)
		}
		for i := start + d.samplesPerPixel; i < end; i++ {
			samples[i] += samples[i-d.samplesPerPixel]
		}
	}
}

// normalize maps the provider's nodata sentinel and non-finite samples to
// the pipeline-wide NoDataValue.
func (d *decoder) normalize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return raster.NoDataValue
	}
	if d.hasNoData && v == d.noData {
		return raster.NoDataValue
	}
	return v
}

// bounds derives the WGS84 rectangle from ModelPixelScale and ModelTiepoint.
// A zero GeoBounds is returned when either tag is absent.
func (d *decoder) bounds() raster.GeoBounds {
	scale, ok := d.tags[ModelPixelScale]
	if !ok || len(scale.doubleData) < 2 {
		return raster.GeoBounds{}
	}
	tie, ok := d.tags[ModelTiepoint]
	if !ok || len(tie.doubleData) < 6 {
		return raster.GeoBounds{}
	}

	scaleX := scale.doubleData[0]
	scaleY := scale.doubleData[1]
	// Standard GeoTIFF convention stores a positive Y scale for north-up
	// images; the applied scale is negative.
	if scaleY > 0 {
		scaleY = -scaleY
	}

	tieI, tieJ := tie.doubleData[0], tie.doubleData[1]
	tieLon, tieLat := tie.doubleData[3], tie.doubleData[4]

	ulLon := tieLon - tieI*scaleX
	ulLat := tieLat - tieJ*scaleY

	return raster.GeoBounds{
		North: ulLat,
		South: ulLat + float64(d.height)*scaleY,
		West:  ulLon,
		East:  ulLon + float64(d.width)*scaleX,
	}
}

func (d *decoder) uintTag(tag Tag) (int, bool) {
	t, ok := d.tags[tag]
	if !ok {
		return 0, false
	}
	if t.fType == typeShort && len(t.shortData) > 0 {
		return int(t.shortData[0]), true
	}
	if t.fType == typeLong && len(t.longData) > 0 {
		return int(t.longData[0]), true
	}
	if (t.fType == typeLong8 || t.fType == typeIFD8) && len(t.uint64Data) > 0 {
		return int(t.uint64Data[0]), true
	}
	return 0, false
}

func (d *decoder) uint64Slice(tag Tag) ([]uint64, bool) {
	t, ok := d.tags[tag]
	if !ok {
		return nil, false
	}
	switch t.fType {
	case typeLong8, typeIFD8:
		return t.uint64Data, true
	case typeLong:
		res := make([]uint64, len(t.longData))
		for i, v := range t.longData {
			res[i] = uint64(v)
		}
		return res, true
	case typeShort:
		res := make([]uint64, len(t.shortData))
		for i, v := range t.shortData {
			res[i] = uint64(v)
		}
		return res, true
	}
	return nil, false
}
