package action

import (
	"context"
	"net/url"

	wandlet "github.com/Paranoid-AF/wandlet"
	"github.com/Paranoid-AF/wandlet/apply"
	"github.com/Paranoid-AF/wandlet/client"
	"github.com/Paranoid-AF/wandlet/field"
)

// ImageErrorMessage is shown for every image description failure.
const ImageErrorMessage = "Could not generate image description."

// ImageController fills an image title or description field.
type ImageController struct {
	*Machine
	client   *client.Client
	input    *field.Input
	imageID  string
	promptID string
	trigger  *field.Value[Trigger]
}

// NewImageController describes imageID into input. promptID may be empty to
// use the server's default description prompt.
func NewImageController(c *client.Client, input *field.Input, imageID, promptID string) (*ImageController, error) {
	if c == nil || c.Configuration() == nil {
		return nil, wandlet.ErrNotConfigured
	}
	ic := &ImageController{
		Machine:  NewMachine(func(error) string { return ImageErrorMessage }),
		client:   c,
		input:    input,
		imageID:  imageID,
		promptID: promptID,
		trigger:  field.NewValue(Trigger{Icon: IconWand}),
	}
	ic.Observe(func(_, st Status) {
		loading := st.State == StateLoading
		input.SetReadOnly(loading)
		if loading {
			ic.trigger.Set(Trigger{Disabled: true, Icon: IconWandAnimated})
		} else {
			ic.trigger.Set(Trigger{Icon: IconWand})
		}
	})
	return ic, nil
}

// Trigger returns the observable trigger state.
func (c *ImageController) Trigger() *field.Value[Trigger] { return c.trigger }

// Invoke requests a description and replaces the field value with it.
func (c *ImageController) Invoke(ctx context.Context) Status {
	h := c.Begin(ctx)
	form := url.Values{"image_id": {c.imageID}}
	if c.promptID != "" {
		form.Set("prompt", c.promptID)
	}
	result, err := c.client.Send(h.Context(), wandlet.ActionDescribeImage, client.Form(form))
	c.Finish(h, err, func() Status {
		change, err := apply.Apply(apply.TextTarget{Input: c.input}, result, wandlet.PolicyReplace)
		if err != nil {
			return Status{State: StateError, Message: ImageErrorMessage}
		}
		return Status{State: StateSuggested, Result: result, Change: change}
	})
	return c.Status()
}
