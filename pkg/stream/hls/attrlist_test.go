package hls

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAttrList(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    map[string]string
		wantErr bool
	}{
		{
			name:    "bare values",
			payload: "BANDWIDTH=1280000,PROGRAM-ID=1",
			want: map[string]string{
				"BANDWIDTH":  "1280000",
				"PROGRAM-ID": "1",
			},
		},
		{
			name:    "quoted values",
			payload: `METHOD=AES-128,URI="https://keys.example.com/key?id=1,2",IV=0x1234`,
			want: map[string]string{
				"METHOD": "AES-128",
				"URI":    "https://keys.example.com/key?id=1,2",
				"IV":     "0x1234",
			},
		},
		{
			name:    "quoted value with commas preserved",
			payload: `CODECS="avc1.42e00a,mp4a.40.2",RESOLUTION=852x480`,
			want: map[string]string{
				"CODECS":     "avc1.42e00a,mp4a.40.2",
				"RESOLUTION": "852x480",
			},
		},
		{
			name:    "empty payload",
			payload: "",
			want:    map[string]string{},
		},
		{
			name:    "missing equals stops processing",
			payload: "BANDWIDTH=1000,JUNK,RESOLUTION=1x1",
			want: map[string]string{
				"BANDWIDTH": "1000",
			},
			wantErr: true,
		},
		{
			name:    "unterminated quote stops processing",
			payload: `NAME="English`,
			want:    map[string]string{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := make(map[string]string)
			err := ParseAttrList(tt.payload, func(name, value string) {
				got[name] = value
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseResolution(t *testing.T) {
	w, h := parseResolution("1920x1080")
	assert.Equal(t, 1920, w)
	assert.Equal(t, 1080, h)

	w, h = parseResolution("852X480")
	assert.Equal(t, 852, w)
	assert.Equal(t, 480, h)

	w, h = parseResolution("garbage")
	assert.Zero(t, w)
	assert.Zero(t, h)

	w, h = parseResolution("x480")
	assert.Zero(t, w)
	assert.Zero(t, h)
}

func TestParseHexValue(t *testing.T) {
	iv, err := parseHexValue("0x00000000000000000000000000000001")
	require.NoError(t, err)
	require.Len(t, iv, 16)
	assert.Equal(t, byte(1), iv[15])

	_, err = parseHexValue("0xZZ")
	assert.Error(t, err)
}

func TestParseByteRange(t *testing.T) {
	length, offset, err := parseByteRange("1024@2048", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1024), length)
	assert.Equal(t, int64(2048), offset)

	// omitted offset continues where the previous range ended
	length, offset, err = parseByteRange("512", 3072)
	require.NoError(t, err)
	assert.Equal(t, int64(512), length)
	assert.Equal(t, int64(3072), offset)

	_, _, err = parseByteRange("abc@1", 0)
	assert.Error(t, err)
}
