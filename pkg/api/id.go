package api

import (
	"crypto/rand"
	"math/big"
)

const (
	idLength = 8
	charset  = "abcdefghijklmnopqrstuvwxyz0123456789"

	chunkIDPrefix = "chatcmpl-"
)

// NewStreamID generates the chunk ID shared by every frame of one response
// stream: "chatcmpl-" followed by 8 random lowercase alphanumerics.
func NewStreamID() string {
	return chunkIDPrefix + randomAlphanumeric(idLength)
}

// NewCompletionID generates the ID of an aggregate non-streaming response.
func NewCompletionID() string {
	return chunkIDPrefix + "nonstream-" + randomAlphanumeric(idLength)
}

func randomAlphanumeric(n int) string {
	max := big.NewInt(int64(len(charset)))
	b := make([]byte, n)
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b)
}
