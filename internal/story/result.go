package story

import "fmt"

type Kind string

const (
	KindStory        Kind = "story"
	KindUnconfigured Kind = "unconfigured"
	KindRejected     Kind = "rejected"
	KindTransport    Kind = "transport"
	KindMalformed    Kind = "malformed"
	KindEncode       Kind = "encode"
)

// UnconfiguredMessage is shown in place of a story when no usable API key
// is configured.
const UnconfiguredMessage = "Please set your OpenAI API key in the .env file to generate unique stories from your images."

// Result is the outcome of one generation attempt. Text is set only for
// KindStory; StatusCode and Detail describe the failure otherwise.
type Result struct {
	Kind       Kind
	Text       string
	StatusCode int
	Detail     string
}

func (r Result) OK() bool { return r.Kind == KindStory }

// Message is the text presented to the user: the story itself or a
// human-readable explanation of why there is none.
func (r Result) Message() string {
	switch r.Kind {
	case KindStory:
		return r.Text
	case KindUnconfigured:
		return UnconfiguredMessage
	case KindRejected:
		return fmt.Sprintf("Error connecting to OpenAI API: Status code %d. %s", r.StatusCode, r.Detail)
	case KindTransport:
		return fmt.Sprintf("Error connecting to OpenAI API: %s. Please check your internet connection.", r.Detail)
	default:
		return fmt.Sprintf("Sorry, I couldn't generate a story for this image. Error: %s. Please try again.", r.Detail)
	}
}
