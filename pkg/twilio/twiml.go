package twilio

import (
	"sort"

	"github.com/twilio/twilio-go/twiml"
)

// ConnectStreamTwiML answers a voice webhook by bridging the call to a media stream.
// Params become <Parameter> elements, delivered in the stream's start message.
func ConnectStreamTwiML(streamURL string, params map[string]string) (string, error) {
	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	parameters := make([]twiml.Element, 0, len(names))
	for _, name := range names {
		parameters = append(parameters, twiml.VoiceParameter{Name: name, Value: params[name]})
	}

	return twiml.Voice([]twiml.Element{
		twiml.VoiceConnect{
			InnerElements: []twiml.Element{
				twiml.VoiceStream{Url: streamURL, InnerElements: parameters},
			},
		},
	})
}

// SayHangupTwiML speaks text then ends the call.
func SayHangupTwiML(text string) (string, error) {
	return twiml.Voice([]twiml.Element{
		twiml.VoiceSay{Message: text},
		twiml.VoiceHangup{},
	})
}
