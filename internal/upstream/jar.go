package upstream

import (
	"net/http"
	"net/http/cookiejar"
)

// newCookieJar never fails with a nil PublicSuffixList.
func newCookieJar() http.CookieJar {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil
	}
	return jar
}
