package usecase

const (
	maxTitleRunes = 50
	titleEllipsis = "…"
)

// deriveTitle keeps the first message as the title, cut to 50 characters
// with an ellipsis when it is longer.
func deriveTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= maxTitleRunes {
		return message
	}
	return string(runes[:maxTitleRunes]) + titleEllipsis
}
