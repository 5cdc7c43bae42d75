package graph

import (
	"net/http"
	"net/url"
)

// NewHTTPClient returns the client used for both token requests and mail
// submission. When proxy is set all traffic goes through it, with basic
// credentials taken from the URL's userinfo.
func NewHTTPClient(proxy *url.URL) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != nil {
		transport.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{Transport: transport}
}
