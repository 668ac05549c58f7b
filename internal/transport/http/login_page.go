package httptransport

import (
	"html/template"
	"net"
	"net/url"
)

var loginTemplate = template.Must(template.New("login.html").Parse(`<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>M-SYNC sign in</title>
<style>
body{font-family:system-ui,sans-serif;background:#f4f5f7;display:flex;justify-content:center;padding-top:10vh}
form{background:#fff;padding:2rem;border-radius:8px;box-shadow:0 1px 4px rgba(0,0,0,.15);width:20rem}
label{display:block;margin-top:1rem;font-size:.9rem}
input[type=text],input[type=password]{width:100%;padding:.5rem;box-sizing:border-box}
.actions{margin-top:1.5rem;display:flex;justify-content:space-between}
.error{color:#b00020;font-size:.9rem}
</style>
</head>
<body>
<form method="post" action="/auth/login">
<h2>Sign in to M-SYNC</h2>
<p>Authorizing device <strong>{{if .Label}}{{.Label}}{{else}}{{.DeviceType}}{{end}}</strong>.</p>
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<input type="hidden" name="callback" value="{{.Callback}}">
<input type="hidden" name="state" value="{{.State}}">
<input type="hidden" name="device_type" value="{{.DeviceType}}">
<input type="hidden" name="label" value="{{.Label}}">
<label>Username <input type="text" name="username" value="{{.Username}}" autofocus required></label>
<label>Password <input type="password" name="password" required></label>
<div class="actions">
<button type="submit" name="action" value="login">Sign in</button>
<button type="submit" name="action" value="cancel" formnovalidate>Cancel</button>
</div>
</form>
</body>
</html>
`))

type loginPage struct {
	Callback   string
	State      string
	DeviceType string
	Label      string
	Username   string
	Error      string
}

// loopbackCallback reports whether raw is an http URL on a loopback host.
// Credentials are only ever redirected to the local device.
func loopbackCallback(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" {
		return nil, false
	}
	host := u.Hostname()
	if host == "localhost" {
		return u, true
	}
	ip := net.ParseIP(host)
	return u, ip != nil && ip.IsLoopback()
}
