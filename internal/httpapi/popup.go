package httpapi

import (
	"html/template"
	"net/http"
	"regexp"
)

// popupPage closes the popup window after invoking the opener's
// callback, so the opening page can refresh its login state.
var popupPage = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html>
<head><title>Login complete</title></head>
<body>
<script>
if (window.opener && typeof window.opener[{{.Callback}}] === "function") {
    window.opener[{{.Callback}}]();
}
window.close();
</script>
</body>
</html>
`))

// callbackNameRE matches a plain JavaScript identifier. Anything else
// is dropped rather than echoed into the page.
var callbackNameRE = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// safeCallbackName returns the name when it is a bare identifier, and
// the empty string otherwise.
func safeCallbackName(name string) string {
	if callbackNameRE.MatchString(name) {
		return name
	}
	return ""
}

func (s *Server) renderPopupClose(w http.ResponseWriter, callback string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := popupPage.Execute(w, struct{ Callback string }{Callback: callback}); err != nil {
		s.log.Error("rendering popup page failed", "error", err)
	}
}
