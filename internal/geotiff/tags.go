package geotiff

// TIFF header magic values.
const (
	littleEndian      = 0x4949
	bigEndian         = 0x4D4D
	tiffIdentifier    = 42
	bigTiffIdentifier = 43
	bigTiffBytesize   = 8
)

// Tag identifies a TIFF directory entry.
type Tag uint16

// Tags read by the decoder. Everything else in the IFD is ignored.
const (
	ImageWidth          Tag = 256
	ImageLength         Tag = 257
	BitsPerSample       Tag = 258
	Compression         Tag = 259
	StripOffsets        Tag = 273
	SamplesPerPixel     Tag = 277
	RowsPerStrip        Tag = 278
	StripByteCounts     Tag = 279
	PlanarConfiguration Tag = 284
	Predictor           Tag = 317
	TileWidth           Tag = 322
	TileLength          Tag = 323
	TileOffsets         Tag = 324
	TileByteCounts      Tag = 325
	SampleFormat        Tag = 339
	ModelPixelScale     Tag = 33550
	ModelTiepoint       Tag = 33922
	GDALNoData          Tag = 42113
)

type fieldType uint16

const (
	typeByte      fieldType = 1
	typeASCII     fieldType = 2
	typeShort     fieldType = 3
	typeLong      fieldType = 4
	typeRational  fieldType = 5
	typeSByte     fieldType = 6
	typeUndefined fieldType = 7
	typeSShort    fieldType = 8
	typeSLong     fieldType = 9
	typeSRational fieldType = 10
	typeFloat     fieldType = 11
	typeDouble    fieldType = 12
	typeLong8     fieldType = 16
	typeSLong8    fieldType = 17
	typeIFD8      fieldType = 18
)

// bytes returns the size of one element of the field type, 0 if unknown.
func (f fieldType) bytes() int {
	switch f {
	case typeByte, typeASCII, typeSByte, typeUndefined:
		return 1
	case typeShort, typeSShort:
		return 2
	case typeLong, typeSLong, typeFloat:
		return 4
	case typeRational, typeSRational, typeDouble, typeLong8, typeSLong8, typeIFD8:
		return 8
	default:
		return 0
	}
}

// Compression schemes.
const (
	compressionNone    = 1
	compressionDeflate = 8
	// Some writers use the old-style deflate code.
	compressionDeflateOld = 32946
)

// Sample formats.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

// Predictors.
const (
	predictorNone       = 1
	predictorHorizontal = 2
)
