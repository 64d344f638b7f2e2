// Package sri implements the tax-authority authorization client over
// XML-over-HTTPS. The exchange is two-phase: the reception endpoint
// acknowledges a submission syntactically, the authorization endpoint
// reports the semantic verdict for an access key.
package sri

import "encoding/xml"

// Reception statuses returned by the authority.
const (
	receptionReceived = "RECEIVED"
	receptionReturned = "RETURNED"
)

// Authorization statuses returned by the authority.
const (
	authorizationPending    = "PENDING"
	authorizationAuthorized = "AUTHORIZED"
	authorizationRejected   = "REJECTED"
)

// receptionResponse is the reception endpoint's answer to a submission.
type receptionResponse struct {
	XMLName  xml.Name `xml:"receptionResponse"`
	Status   string   `xml:"status"`
	Messages []string `xml:"messages>message"`
}

// authorizationRequest queries the verdict for one access key.
type authorizationRequest struct {
	XMLName   xml.Name `xml:"authorizationRequest"`
	AccessKey string   `xml:"accessKey"`
}

// authorizationResponse is the authorization endpoint's verdict.
type authorizationResponse struct {
	XMLName             xml.Name `xml:"authorizationResponse"`
	Status              string   `xml:"status"`
	AuthorizationNumber string   `xml:"authorizationNumber"`
	Timestamp           string   `xml:"timestamp"`
	Reasons             []string `xml:"reasons>reason"`
}
