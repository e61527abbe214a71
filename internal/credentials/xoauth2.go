package credentials

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the XOAUTH2 SASL mechanism used by Gmail
// and Outlook. The initial response carries the user and bearer token;
// any server challenge is a JSON error blob answered with an empty
// line.
type xoauth2Client struct {
	username    string
	accessToken string
	challenged  bool
}

// NewXOAuth2Client creates a SASL client for XOAUTH2.
func NewXOAuth2Client(username, accessToken string) sasl.Client {
	return &xoauth2Client{username: username, accessToken: accessToken}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", c.username, c.accessToken)
	return "XOAUTH2", []byte(ir), nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	if c.challenged {
		return nil, fmt.Errorf("XOAUTH2 authentication failed: %s", challenge)
	}
	// The server reported an error payload; reply with an empty
	// response so it converts the failure into a tagged NO.
	c.challenged = true
	return []byte{}, nil
}
