package echo

import (
	"html/template"
	"strings"

	"go.pilab.hu/awsfed/internal/roles"
)

const genericFailureMessage = "Sign-in failed. Please close this page and start over."

var pageTemplates = template.Must(template.New("pages").Parse(`
{{define "layout_head"}}<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>AWS Console Sign-In</title></head>
<body>{{end}}
{{define "layout_foot"}}</body>
</html>{{end}}

{{define "message"}}{{template "layout_head"}}
<p>{{.}}</p>
{{template "layout_foot"}}{{end}}

{{define "no_access"}}{{template "layout_head"}}
<h1>No access</h1>
<p>Your account is not permitted to assume any AWS roles.</p>
{{template "layout_foot"}}{{end}}

{{define "role_picker"}}{{template "layout_head"}}
<h1>Select a role</h1>
<form method="post" action="/roles">
<ul>
{{range $i, $r := .Candidates}}<li><label>
<input type="radio" name="arn" value="{{$r.RoleArn}}"{{if eq $i 0}} checked{{end}}>
{{$r.AccountAlias}} / {{$r.RoleName}}
</label></li>
{{end}}</ul>
<input type="hidden" name="id_token" value="{{.IDToken}}">
<button type="submit">Sign in</button>
</form>
{{template "layout_foot"}}{{end}}
`))

func renderErrorPage(message string) string {
	return renderMessage(message)
}

func renderInfoPage(message string) string {
	return renderMessage(message)
}

func renderNoAccessPage() string {
	var buf strings.Builder
	// Template execution over static data cannot fail.
	_ = pageTemplates.ExecuteTemplate(&buf, "no_access", nil)
	return buf.String()
}

func renderMessage(message string) string {
	var buf strings.Builder
	_ = pageTemplates.ExecuteTemplate(&buf, "message", message)
	return buf.String()
}

type rolePickerData struct {
	Candidates []roles.Candidate
	IDToken    string
}

// renderRolePickerPage renders the selection form with one option per
// candidate, in the order the role-lookup service returned them.
func renderRolePickerPage(candidates []roles.Candidate, idToken string) (string, error) {
	var buf strings.Builder
	err := pageTemplates.ExecuteTemplate(&buf, "role_picker", rolePickerData{
		Candidates: candidates,
		IDToken:    idToken,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}
