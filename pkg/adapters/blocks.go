package adapters

import (
	"strings"
	"unicode"
)

// ClassifyPage slices one page of extracted text into layout blocks.
// Blocks are blank-line separated; each block is classified by shape:
//
//   - a short line without terminal punctuation, mostly upper or title
//     case, is a title
//   - lines opening with a bullet or "1." style marker are a list
//   - rows with repeated multi-space column gaps are a table
//   - "Figure"/"Table N:" lead-ins are an image caption
//   - everything else is a paragraph
//
// The heuristics only have to be stable, not perfect: identical text
// must classify identically so chunk ids stay stable across runs.
func ClassifyPage(page int, text string) []ExtractedBlock {
	var blocks []ExtractedBlock
	for _, raw := range strings.Split(text, "\n\n") {
		block := strings.TrimRight(raw, " \t\r\n")
		if strings.TrimSpace(block) == "" {
			continue
		}
		blocks = append(blocks, ExtractedBlock{
			Page: page,
			Kind: classifyBlock(block),
			Text: block,
		})
	}
	return blocks
}

func classifyBlock(block string) BlockKind {
	lines := nonEmptyLines(block)
	if len(lines) == 0 {
		return BlockParagraph
	}

	if isCaption(lines[0]) {
		return BlockImageCaption
	}
	if len(lines) == 1 && isTitleLine(lines[0]) {
		return BlockTitle
	}

	listy, tably := 0, 0
	for _, line := range lines {
		if isListLine(line) {
			listy++
		}
		if isTableRow(line) {
			tably++
		}
	}
	switch {
	case listy*2 > len(lines):
		return BlockList
	case len(lines) > 1 && tably*2 > len(lines):
		return BlockTable
	default:
		return BlockParagraph
	}
}

func nonEmptyLines(block string) []string {
	var out []string
	for _, l := range strings.Split(block, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, strings.TrimRight(l, " \t\r"))
		}
	}
	return out
}

func isTitleLine(line string) bool {
	s := strings.TrimSpace(line)
	if s == "" || len(s) > 80 {
		return false
	}
	if strings.ContainsAny(string(s[len(s)-1]), ".!?;,") {
		return false
	}
	letters, uppers := 0, 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				uppers++
			}
		}
	}
	if letters == 0 {
		return false
	}
	// All-caps headings, or title case where most words start upper.
	if uppers == letters {
		return true
	}
	words := strings.Fields(s)
	capped := 0
	for _, w := range words {
		r := []rune(w)[0]
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			capped++
		}
	}
	return capped*3 >= len(words)*2
}

func isListLine(line string) bool {
	s := strings.TrimSpace(line)
	for _, marker := range []string{"- ", "* ", "• ", "– "} {
		if strings.HasPrefix(s, marker) {
			return true
		}
	}
	// "1." / "12)" style ordinals.
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return i > 0 && i < len(s) && (s[i] == '.' || s[i] == ')')
}

func isTableRow(line string) bool {
	if strings.Contains(line, "|") {
		return true
	}
	gaps := 0
	run := 0
	for _, r := range line {
		if r == ' ' {
			run++
			continue
		}
		if run >= 3 {
			gaps++
		}
		run = 0
	}
	return gaps >= 2
}

func isCaption(line string) bool {
	s := strings.ToLower(strings.TrimSpace(line))
	for _, p := range []string{"figure ", "fig. ", "illustration ", "map "} {
		if strings.HasPrefix(s, p) {
			rest := s[len(p):]
			if len(rest) > 0 && (rest[0] >= '0' && rest[0] <= '9') {
				return true
			}
		}
	}
	return false
}
