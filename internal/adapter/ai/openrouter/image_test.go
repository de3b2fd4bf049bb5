package openrouter

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptfuse/promptfuse/internal/domain"
)

func TestDecodeImageResponse_ContentStringURL(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"content":"https://img.example.com/cat.png"}}]}`)
	res, err := decodeImageResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/cat.png", res.URL)
	assert.Empty(t, res.B64DataURI)
}

func TestDecodeImageResponse_ContentStringDataURI(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"content":"data:image/png;base64,AAAA"}}]}`)
	res, err := decodeImageResponse(raw)
	require.NoError(t, err)
	assert.Empty(t, res.URL)
	assert.Equal(t, "data:image/png;base64,AAAA", res.B64DataURI)
}

func TestDecodeImageResponse_ContentObject(t *testing.T) {
	raw := []byte(`{"choices":[{"message":{"content":{"url":"https://img.example.com/a.jpg"}}}]}`)
	res, err := decodeImageResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/a.jpg", res.URL)

	raw = []byte(`{"choices":[{"message":{"content":{"image":"data:image/jpeg;base64,BBBB"}}}]}`)
	res, err = decodeImageResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "data:image/jpeg;base64,BBBB", res.B64DataURI)
}

func TestDecodeImageResponse_DataArray(t *testing.T) {
	raw := []byte(`{"data":[{"url":"https://img.example.com/b.png"}]}`)
	res, err := decodeImageResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/b.png", res.URL)
}

func TestDecodeImageResponse_DataArrayB64(t *testing.T) {
	// A real PNG header so the MIME sniff resolves image/png.
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A, 0, 0, 0, 0}
	b64 := base64.StdEncoding.EncodeToString(png)
	raw := []byte(fmt.Sprintf(`{"data":[{"b64_json":%q}]}`, b64))

	res, err := decodeImageResponse(raw)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.B64DataURI, "data:image/png;base64,"))
	assert.True(t, strings.HasSuffix(res.B64DataURI, b64))
}

func TestDecodeImageResponse_TopLevelFields(t *testing.T) {
	res, err := decodeImageResponse([]byte(`{"url":"https://img.example.com/c.png"}`))
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/c.png", res.URL)

	res, err = decodeImageResponse([]byte(`{"image":"data:image/webp;base64,CCCC"}`))
	require.NoError(t, err)
	assert.Equal(t, "data:image/webp;base64,CCCC", res.B64DataURI)
}

func TestDecodeImageResponse_ProbeOrder(t *testing.T) {
	// Chat content wins over the data array and top-level fields.
	raw := []byte(`{
		"choices":[{"message":{"content":"https://first.example.com/x.png"}}],
		"data":[{"url":"https://second.example.com/y.png"}],
		"url":"https://third.example.com/z.png"
	}`)
	res, err := decodeImageResponse(raw)
	require.NoError(t, err)
	assert.Equal(t, "https://first.example.com/x.png", res.URL)
}

func TestDecodeImageResponse_UnsupportedShape(t *testing.T) {
	_, err := decodeImageResponse([]byte(`{"something":"else"}`))
	assert.ErrorIs(t, err, domain.ErrUnsupportedImage)
}

func TestWrapBase64_FallsBackToPNG(t *testing.T) {
	got := wrapBase64("!!!not-base64!!!")
	assert.True(t, strings.HasPrefix(got, "data:image/png;base64,"))
}
