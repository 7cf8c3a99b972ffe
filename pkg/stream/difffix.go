package stream

import "strings"

// AutocorrectDiff repairs malformed fenced search/replace blocks in an
// aggregated response: a block reopened before its close marker is closed
// first, duplicate separators are dropped, and a block left open at the end
// of the text is terminated. Text without an open marker is returned
// unchanged.
func AutocorrectDiff(content string) string {
	if content == "" || !strings.Contains(content, diffOpenMarker) {
		return content
	}

	var out []string
	inBlock := false
	separatorSeen := false

	for _, line := range strings.Split(content, "\n") {
		switch strings.TrimSpace(line) {
		case diffOpenMarker:
			if inBlock {
				if !separatorSeen {
					out = append(out, diffSeparator)
				}
				out = append(out, diffCloseMarker)
			}
			inBlock = true
			separatorSeen = false
			out = append(out, line)

		case diffSeparator:
			if inBlock {
				if !separatorSeen {
					out = append(out, line)
					separatorSeen = true
				}
				// Duplicate separators inside a block are dropped.
			} else {
				out = append(out, line)
			}

		case diffCloseMarker:
			if inBlock {
				if !separatorSeen {
					out = append(out, diffSeparator)
				}
				out = append(out, line)
				inBlock = false
				separatorSeen = false
			} else {
				out = append(out, line)
			}

		default:
			out = append(out, line)
		}
	}

	if inBlock {
		if !separatorSeen {
			out = append(out, diffSeparator)
		}
		out = append(out, diffCloseMarker)
	}

	return strings.Join(out, "\n")
}
