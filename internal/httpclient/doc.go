// Package httpclient builds the HTTP clients and requests used by virtual users.
//
// Each virtual user owns a client created with [NewSessionClient]. The client
// keeps its own cookie jar so the CSRF cookie issued on the first page load is
// replayed on later form submissions, and it does not follow redirects so a
// 302 after a successful form post is observed as-is.
//
// Requests are built with a [RequestBuilder] bound to the application's base URL:
//
//	builder, err := httpclient.NewRequestBuilder("http://127.0.0.1:8000", nil)
//	if err != nil {
//		return err
//	}
//	req, err := builder.PostForm(ctx, "/posts/create/", form, token)
//
// Form posts carry the token both as the csrfmiddlewaretoken field and in the
// X-CSRFToken header, and set Referer to the target URL.
package httpclient
