// Package forward relays a gated request to the application behind the
// gateway and copies the upstream response back, rewriting headers on
// both legs so the session token travels in the shape the application
// expects and hop-by-hop headers never leak through.
package forward

import (
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rulegate/pkg/models"
	"rulegate/pkg/policy"
)

// hop-by-hop headers per RFC 7230 section 6.1, plus the headers the
// gateway owns on the return leg.
var dropResponseHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailers":            true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
	"Content-Encoding":    true,
	"Content-Length":      true,
}

// Forwarder relays requests to per-app entry points.
type Forwarder struct {
	Client *http.Client
	// SessionCookie is the cookie name carrying the encrypted session
	// on the upstream leg, and the name scrubbed from upstream
	// Set-Cookie responses.
	SessionCookie string
}

// New builds a Forwarder whose client never follows upstream
// redirects. Location headers go back to the browser untouched.
func New(timeout time.Duration, sessionCookie string) *Forwarder {
	return &Forwarder{
		Client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		SessionCookie: sessionCookie,
	}
}

// Forward relays r to app's entry point with token as the session
// credential, writing the translated upstream response to w. Upstream
// connectivity failures produce a 503 matched to the caller's Accept
// header; the error comes back so the caller can count it.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, app *models.App, token string) error {
	out, err := f.buildOutbound(r, app, token)
	if err != nil {
		log.Printf("app %s: build upstream request: %v", app.Slug, err)
		f.writeUnavailable(w, r, app)
		return err
	}
	resp, err := f.Client.Do(out)
	if err != nil {
		log.Printf("app %s: upstream %s %s: %v", app.Slug, out.Method, out.URL, err)
		f.writeUnavailable(w, r, app)
		return err
	}
	defer resp.Body.Close()
	f.writeResponse(w, resp)
	return nil
}

func (f *Forwarder) buildOutbound(r *http.Request, app *models.App, token string) (*http.Request, error) {
	target, err := url.Parse(app.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("entry point %q: %w", app.EntryPoint, err)
	}
	target.Path = singleJoin(target.Path, r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), r.Body)
	if err != nil {
		return nil, err
	}
	if r.ContentLength > 0 {
		out.ContentLength = r.ContentLength
	}

	for name, values := range r.Header {
		switch http.CanonicalHeaderKey(name) {
		case "Authorization", "Cookie", "Connection", "Keep-Alive",
			"Transfer-Encoding", "Upgrade", "Content-Length",
			"Accept-Encoding", "Host":
			// Rebuilt below or owned by the transport.
		default:
			out.Header[name] = values
		}
	}

	out.Host = r.Host
	clientIP := remoteIP(r)
	forwardedFor := r.Header.Get("X-Forwarded-For")
	if forwardedFor != "" {
		forwardedFor = forwardedFor + ", " + clientIP
	} else {
		forwardedFor = clientIP
	}
	out.Header.Set("X-Forwarded-For", forwardedFor)
	out.Header.Set("X-Real-Ip", clientIP)
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}

	f.setCredential(out, r, app, token)
	return out, nil
}

// setCredential installs token on the outbound request. Cookie-backed
// apps see it as the session cookie among the caller's other cookies;
// JWT-backed apps get a bearer Authorization header.
func (f *Forwarder) setCredential(out, r *http.Request, app *models.App, token string) {
	var kept []string
	for _, c := range r.Cookies() {
		if c.Name == f.SessionCookie {
			continue
		}
		kept = append(kept, c.Name+"="+c.Value)
	}
	switch app.SessionBackend {
	case models.CookieSession:
		// Base64 tokens only use characters RFC 6265 already allows in
		// a cookie value, so no quoting is needed.
		if token != "" {
			kept = append(kept, f.SessionCookie+"="+token)
		}
	case models.JWTSession:
		if token != "" {
			out.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if len(kept) > 0 {
		out.Header.Set("Cookie", strings.Join(kept, "; "))
	}
}

func (f *Forwarder) writeResponse(w http.ResponseWriter, resp *http.Response) {
	header := w.Header()
	for name, values := range resp.Header {
		canonical := http.CanonicalHeaderKey(name)
		if dropResponseHeaders[canonical] || canonical == "Set-Cookie" {
			continue
		}
		header[canonical] = values
	}
	for _, line := range resp.Header.Values("Set-Cookie") {
		for _, cookie := range SplitSetCookies(line) {
			name, _, _ := strings.Cut(cookie, "=")
			if strings.TrimSpace(name) == f.SessionCookie {
				continue
			}
			header.Add("Set-Cookie", cookie)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Printf("copy upstream body: %v", err)
	}
}

func (f *Forwarder) writeUnavailable(w http.ResponseWriter, r *http.Request, app *models.App) {
	if policy.AcceptsHTML(r.Header.Get("Accept")) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>Service Unavailable</title></head>
<body>
<h1>Service Unavailable</h1>
<p>The application behind %s is not responding. Please try again later.</p>
</body>
</html>
`, app.Slug)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprintf(w, `{"detail":"application %s is not responding"}`+"\n", app.Slug)
}

// SplitSetCookies splits a Set-Cookie value that intermediaries folded
// into one comma-joined line back into individual cookies. Commas
// inside Expires attributes (after a day name) survive because the
// text following them carries no '=' before the next delimiter.
func SplitSetCookies(line string) []string {
	var cookies []string
	start := 0
	for i := 0; i < len(line); i++ {
		if line[i] != ',' {
			continue
		}
		rest := strings.TrimLeft(line[i+1:], " ")
		eq := strings.IndexByte(rest, '=')
		semi := strings.IndexByte(rest, ';')
		comma := strings.IndexByte(rest, ',')
		if eq < 0 {
			continue
		}
		if semi >= 0 && semi < eq {
			continue
		}
		if comma >= 0 && comma < eq {
			continue
		}
		if cookie := strings.TrimSpace(line[start:i]); cookie != "" {
			cookies = append(cookies, cookie)
		}
		start = i + 1
	}
	if cookie := strings.TrimSpace(line[start:]); cookie != "" {
		cookies = append(cookies, cookie)
	}
	return cookies
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func singleJoin(base, path string) string {
	switch {
	case base == "":
		return path
	case strings.HasSuffix(base, "/") && strings.HasPrefix(path, "/"):
		return base + path[1:]
	case !strings.HasSuffix(base, "/") && !strings.HasPrefix(path, "/"):
		return base + "/" + path
	default:
		return base + path
	}
}
