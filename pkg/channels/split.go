package channels

import "strings"

const (
	newlineWindow   = 200
	spaceWindow     = 100
	codeBlockBuffer = 500
	fence           = "```"
)

// splitMessage cuts content into chunks of at most limit bytes, preferring
// line then word boundaries. A chunk that would end inside a fenced code
// block is stretched up to codeBlockBuffer bytes to include the closing
// fence, or cut before the block when the fence is further away.
func splitMessage(content string, limit int) []string {
	var chunks []string

	for len(content) > 0 {
		if len(content) <= limit {
			chunks = append(chunks, content)
			break
		}

		end := naturalBreak(content[:limit])
		if end <= 0 {
			end = limit
		}

		if open := unclosedFence(content[:end]); open >= 0 {
			end = fenceAwareEnd(content, end, open, limit)
		}
		if end <= 0 {
			end = limit
		}

		chunks = append(chunks, content[:end])
		content = strings.TrimSpace(content[end:])
	}

	return chunks
}

func fenceAwareEnd(content string, end, open, limit int) int {
	extended := limit + codeBlockBuffer
	if len(content) <= extended {
		return len(content)
	}
	if closing := nextFenceEnd(content, end); closing > 0 && closing <= extended {
		return closing
	}
	if brk := naturalBreak(content[:open]); brk > 0 {
		return brk
	}
	return open
}

func naturalBreak(s string) int {
	if i := lastIndexWithin(s, newlineWindow, "\n"); i > 0 {
		return i
	}
	return lastIndexWithin(s, spaceWindow, " \t")
}

// unclosedFence returns the offset of the first fence of a trailing
// unbalanced run, or -1 when every fence is closed.
func unclosedFence(text string) int {
	count := 0
	firstOpen := -1
	for i := 0; i+len(fence) <= len(text); i++ {
		if text[i:i+len(fence)] != fence {
			continue
		}
		if count == 0 {
			firstOpen = i
		}
		count++
		i += len(fence) - 1
	}
	if count%2 == 1 {
		return firstOpen
	}
	return -1
}

// nextFenceEnd returns the offset just past the next fence at or after from.
func nextFenceEnd(text string, from int) int {
	if from >= len(text) {
		return -1
	}
	if i := strings.Index(text[from:], fence); i >= 0 {
		return from + i + len(fence)
	}
	return -1
}

// lastIndexWithin finds the last byte from chars in the final window bytes
// of s.
func lastIndexWithin(s string, window int, chars string) int {
	start := len(s) - window
	if start < 0 {
		start = 0
	}
	i := strings.LastIndexAny(s[start:], chars)
	if i < 0 {
		return -1
	}
	return start + i
}
