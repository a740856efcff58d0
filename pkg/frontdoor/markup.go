package frontdoor

import "encoding/xml"

// Call-control markup structs, matching the teacher's TwiMLResponse/Start
// struct idiom but for a <Connect><Stream> shape rather than <Start><Stream>.

type connectResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     *say     `xml:"Say,omitempty"`
	Connect *connect `xml:"Connect"`
}

type say struct {
	XMLName xml.Name `xml:"Say"`
	Text    string   `xml:",chardata"`
}

type connect struct {
	XMLName xml.Name `xml:"Connect"`
	Stream  stream   `xml:"Stream"`
}

type stream struct {
	XMLName    xml.Name    `xml:"Stream"`
	URL        string      `xml:"url,attr"`
	Parameters []parameter `xml:"Parameter"`
}

type parameter struct {
	XMLName xml.Name `xml:"Parameter"`
	Name    string   `xml:"name,attr"`
	Value   string   `xml:"value,attr"`
}

// failureResponse is the generic apology-and-hangup markup returned when the
// front door itself fails before it can even offer a media stream.
type failureResponse struct {
	XMLName xml.Name `xml:"Response"`
	Say     say      `xml:"Say"`
	Hangup  struct{} `xml:"Hangup"`
}

func buildConnectMarkup(mediaStreamURL, from, callSid, to, welcomePhrase string) ([]byte, error) {
	resp := connectResponse{
		Connect: &connect{
			Stream: stream{
				URL: mediaStreamURL,
				Parameters: []parameter{
					{Name: "customerPhone", Value: from},
					{Name: "callSid", Value: callSid},
					{Name: "twilioNumber", Value: to},
				},
			},
		},
	}
	if welcomePhrase != "" {
		resp.Say = &say{Text: welcomePhrase}
	}
	return xml.Marshal(resp)
}

func buildFailureMarkup(apology string) ([]byte, error) {
	return xml.Marshal(failureResponse{Say: say{Text: apology}})
}
