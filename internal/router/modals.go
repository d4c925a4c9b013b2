package router

import "github.com/slack-go/slack"

const (
	standupCallbackID = "standup_form"
	retroCallbackID   = "retro_form"

	yesterdayBlockID = "yesterday_block"
	todayBlockID     = "today_block"
	blockersBlockID  = "blockers_block"

	wentWellBlockID    = "went_well_block"
	improveBlockID     = "improve_block"
	actionItemsBlockID = "action_items_block"
)

func standupModal(privateMetadata string) slack.ModalViewRequest {
	return slack.ModalViewRequest{
		Type:            slack.VTModal,
		CallbackID:      standupCallbackID,
		PrivateMetadata: privateMetadata,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "Daily Standup", false, false),
		Submit:          slack.NewTextBlockObject(slack.PlainTextType, "Submit", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			textInput(yesterdayBlockID, "What did you do yesterday?", false),
			textInput(todayBlockID, "What will you do today?", false),
			textInput(blockersBlockID, "Any blockers?", true),
		}},
	}
}

func retroModal(privateMetadata string) slack.ModalViewRequest {
	return slack.ModalViewRequest{
		Type:            slack.VTModal,
		CallbackID:      retroCallbackID,
		PrivateMetadata: privateMetadata,
		Title:           slack.NewTextBlockObject(slack.PlainTextType, "Retrospective", false, false),
		Submit:          slack.NewTextBlockObject(slack.PlainTextType, "Submit", false, false),
		Close:           slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			textInput(wentWellBlockID, "What went well?", false),
			textInput(improveBlockID, "What needs improvement?", false),
			textInput(actionItemsBlockID, "Action items", true),
		}},
	}
}

// ExpiredFormView replaces a submitted modal whose correlation token was
// already used or has expired.
func ExpiredFormView() slack.ModalViewRequest {
	return slack.ModalViewRequest{
		Type:  slack.VTModal,
		Title: slack.NewTextBlockObject(slack.PlainTextType, "Form expired", false, false),
		Close: slack.NewTextBlockObject(slack.PlainTextType, "Close", false, false),
		Blocks: slack.Blocks{BlockSet: []slack.Block{
			slack.NewSectionBlock(
				slack.NewTextBlockObject(slack.MarkdownType, "This form has expired or was already submitted. Please run the command again.", false, false),
				nil, nil,
			),
		}},
	}
}

func textInput(blockID, label string, optional bool) *slack.InputBlock {
	element := slack.NewPlainTextInputBlockElement(nil, blockID+"_input")
	element.Multiline = true
	block := slack.NewInputBlock(blockID, slack.NewTextBlockObject(slack.PlainTextType, label, false, false), nil, element)
	block.Optional = optional
	return block
}
