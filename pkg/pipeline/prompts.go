package pipeline

import (
	"strings"

	"github.com/MarkoPoloResearchLab/doodletales/pkg/creation"
)

// StyleDirective is the fixed rendering instruction every enhancement prompt starts with.
const StyleDirective = "Describe this child's drawing so it can be rendered as a cinematic, photorealistic 3D scene. " +
	"Keep every element of the original exactly as drawn, including crooked lines, odd proportions and imaginative distortions. " +
	"Give figures lifelike materials, natural lighting and depth of field, and place them in a playful, slightly surreal setting that matches the drawing."

const (
	storyContextLabel   = "The scene comes from this story: "
	customRequestLabel  = "User's specific request: "
	promptSectionJoiner = "\n\n"
)

// enhancementPrompt composes the caption prompt for a record. It reports false
// when the record's enhancement type does not lead to an enhancement stage.
func enhancementPrompt(record creation.Creation) (string, bool) {
	switch record.EnhancementType {
	case creation.EnhancementStylize:
		story := strings.TrimSpace(record.StoryText)
		if story == "" {
			return StyleDirective, true
		}
		return StyleDirective + promptSectionJoiner + storyContextLabel + story, true
	case creation.EnhancementCustom:
		request := strings.TrimSpace(record.CustomPrompt)
		if request == "" {
			request = strings.TrimSpace(record.UserPrompt)
		}
		if request == "" {
			return "", false
		}
		return StyleDirective + promptSectionJoiner + customRequestLabel + request, true
	default:
		return "", false
	}
}
