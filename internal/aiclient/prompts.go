package aiclient

import "strings"

const (
	storyPromptOpening = "Generate a creative and imaginative bedtime story inspired by this drawing. " +
		"Focus on the main elements and characters in the image."
	storyPromptClosing = "The story should be child-friendly, positive, and have a clear beginning, middle, and end."
)

// StoryPrompt builds the story instruction, folding in the owner's hint when present.
func StoryPrompt(hint string) string {
	parts := []string{storyPromptOpening}
	if hint = strings.TrimSpace(hint); hint != "" {
		parts = append(parts, "Also, incorporate the following idea: "+strings.TrimRight(hint, ".")+".")
	}
	parts = append(parts, storyPromptClosing)
	return strings.Join(parts, " ")
}
