package telephony

import (
	"net/http"
	"strings"

	"github.com/twilio/twilio-go/client"
)

// SignatureHeader carries Twilio's request signature.
const SignatureHeader = "X-Twilio-Signature"

// SignatureValidator checks that webhook requests were signed by Twilio.
type SignatureValidator struct {
	validator client.RequestValidator
	baseURL   string
}

// NewSignatureValidator validates against authToken. baseURL is the public URL Twilio
// was given, which differs from the local Host behind a tunnel or proxy.
func NewSignatureValidator(authToken, baseURL string) *SignatureValidator {
	return &SignatureValidator{
		validator: client.NewRequestValidator(authToken),
		baseURL:   strings.TrimRight(baseURL, "/"),
	}
}

// Valid reports whether r carries a valid signature. The form must already be parsed.
func (s *SignatureValidator) Valid(r *http.Request) bool {
	sig := r.Header.Get(SignatureHeader)
	if sig == "" {
		return false
	}
	params := make(map[string]string, len(r.PostForm))
	for k, v := range r.PostForm {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return s.validator.Validate(s.baseURL+r.URL.RequestURI(), params, sig)
}
