package stream

import "strings"

// imageMarkdown wraps an image target (data URL or bare URI) as the embedded
// image marker clients and the non-streaming aggregator recognize.
func imageMarkdown(target string) string {
	return "![Generated Image](" + target + ")"
}

// fixBase64Padding strips whitespace from an encoded payload and pads it to
// a multiple of 4. The backend occasionally truncates padding, which breaks
// decoders downstream.
func fixBase64Padding(data string) string {
	if data == "" {
		return data
	}
	data = strings.NewReplacer("\n", "", "\r", "", " ", "").Replace(data)
	if rem := len(data) % 4; rem != 0 {
		data += strings.Repeat("=", 4-rem)
	}
	return data
}
