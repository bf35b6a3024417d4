// Command crud_server is a local stand-in for the posts application: an
// SQLite-backed list/create/update/delete surface protected by a CSRF cookie
// and form token, answering the way the original views do.
package main

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	csrfCookie = "csrftoken"
	csrfField  = "csrfmiddlewaretoken"
	csrfHeader = "X-CSRFToken"
)

func main() {
	port := flag.Int("port", 8000, "Listening port")
	dbPath := flag.String("db", "db.sqlite3", "SQLite database file holding the posts table")
	table := flag.String("table", "books_post", "Posts table name")
	flag.Parse()

	store, err := openStore(*dbPath, *table)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	addr := fmt.Sprintf(":%d", *port)
	srv := &http.Server{Addr: addr, Handler: newHandler(store), ReadHeaderTimeout: 5 * time.Second}
	log.Printf("crud server listening on %s (db %s)", addr, *dbPath)
	log.Fatal(srv.ListenAndServe())
}

type post struct {
	ID     int64
	Title  string
	Author string
}

type store struct {
	db    *sql.DB
	table string
}

func openStore(path, table string) (*store, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		title TEXT NOT NULL,
		author TEXT NOT NULL
	)`, table)
	if _, err := db.Exec(ddl); err != nil {
		db.Close()
		return nil, err
	}
	return &store{db: db, table: table}, nil
}

func (s *store) Close() error { return s.db.Close() }

func (s *store) list() ([]post, error) {
	rows, err := s.db.Query(fmt.Sprintf(`SELECT id, title, author FROM %q ORDER BY id DESC`, s.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var posts []post
	for rows.Next() {
		var p post
		if err := rows.Scan(&p.ID, &p.Title, &p.Author); err != nil {
			return nil, err
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

func (s *store) get(id int64) (post, error) {
	p := post{ID: id}
	err := s.db.QueryRow(fmt.Sprintf(`SELECT title, author FROM %q WHERE id = ?`, s.table), id).Scan(&p.Title, &p.Author)
	return p, err
}

func (s *store) create(title, author string) error {
	_, err := s.db.Exec(fmt.Sprintf(`INSERT INTO %q (title, author) VALUES (?, ?)`, s.table), title, author)
	return err
}

func (s *store) update(id int64, title, author string) error {
	_, err := s.db.Exec(fmt.Sprintf(`UPDATE %q SET title = ?, author = ? WHERE id = ?`, s.table), title, author, id)
	return err
}

func (s *store) delete(id int64) error {
	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, s.table), id)
	return err
}

var pages = template.Must(template.New("list").Parse(`<!DOCTYPE html>
<html><body>
<h1>Posts</h1>
<a href="/posts/create/">New post</a>
<ul>{{range .Posts}}
<li>{{.Title}} by {{.Author}} <a href="/posts/update/{{.ID}}/">edit</a> <a href="/posts/delete/{{.ID}}/">delete</a></li>{{end}}
</ul>
<form method="post" action="/posts/create/"><input type="hidden" name="csrfmiddlewaretoken" value="{{.Token}}"></form>
</body></html>`))

var formPage = template.Must(template.New("form").Parse(`<!DOCTYPE html>
<html><body>
<form method="post">
<input type="hidden" name="csrfmiddlewaretoken" value="{{.Token}}">
{{if .Delete}}<p>Delete "{{.Post.Title}}"?</p>{{else}}
<input name="title" value="{{.Post.Title}}">
<input name="author" value="{{.Post.Author}}">{{end}}
{{if .Error}}<p class="error">{{.Error}}</p>{{end}}
<button type="submit">Submit</button>
</form>
</body></html>`))

type formData struct {
	Token  string
	Post   post
	Delete bool
	Error  string
}

func newHandler(s *store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /posts/{$}", func(w http.ResponseWriter, r *http.Request) {
		posts, err := s.list()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		render(w, pages, struct {
			Posts []post
			Token string
		}{posts, ensureToken(w, r)})
	})
	mux.HandleFunc("/posts/create/{$}", func(w http.ResponseWriter, r *http.Request) {
		editPost(w, r, s, post{}, func(p post) error { return s.create(p.Title, p.Author) })
	})
	mux.HandleFunc("/posts/update/{id}/{$}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookup(w, r, s)
		if !ok {
			return
		}
		editPost(w, r, s, p, func(p post) error { return s.update(p.ID, p.Title, p.Author) })
	})
	mux.HandleFunc("/posts/delete/{id}/{$}", func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookup(w, r, s)
		if !ok {
			return
		}
		token := ensureToken(w, r)
		if r.Method != http.MethodPost {
			render(w, formPage, formData{Token: token, Post: p, Delete: true})
			return
		}
		if !validCSRF(r) {
			http.Error(w, "CSRF verification failed", http.StatusForbidden)
			return
		}
		if err := s.delete(p.ID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, "/posts/", http.StatusFound)
	})
	return mux
}

// editPost serves the create and update forms. Invalid input re-renders the
// form with status 200; success redirects to the listing.
func editPost(w http.ResponseWriter, r *http.Request, s *store, current post, save func(post) error) {
	token := ensureToken(w, r)
	if r.Method != http.MethodPost {
		render(w, formPage, formData{Token: token, Post: current})
		return
	}
	if !validCSRF(r) {
		http.Error(w, "CSRF verification failed", http.StatusForbidden)
		return
	}
	p := post{
		ID:     current.ID,
		Title:  strings.TrimSpace(r.PostForm.Get("title")),
		Author: strings.TrimSpace(r.PostForm.Get("author")),
	}
	if p.Title == "" || p.Author == "" {
		render(w, formPage, formData{Token: token, Post: p, Error: "title and author are required"})
		return
	}
	if err := save(p); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, "/posts/", http.StatusFound)
}

func lookup(w http.ResponseWriter, r *http.Request, s *store) (post, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return post{}, false
	}
	p, err := s.get(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.NotFound(w, r)
		return post{}, false
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return post{}, false
	}
	return p, true
}

// ensureToken returns the session's CSRF token, issuing a cookie on first visit.
func ensureToken(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(csrfCookie); err == nil && c.Value != "" {
		return c.Value
	}
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	token := hex.EncodeToString(buf)
	http.SetCookie(w, &http.Cookie{Name: csrfCookie, Value: token, Path: "/", SameSite: http.SameSiteLaxMode})
	return token
}

func validCSRF(r *http.Request) bool {
	c, err := r.Cookie(csrfCookie)
	if err != nil || c.Value == "" {
		return false
	}
	if err := r.ParseForm(); err != nil {
		return false
	}
	token := r.PostForm.Get(csrfField)
	if token == "" {
		token = r.Header.Get(csrfHeader)
	}
	return token == c.Value
}

func render(w http.ResponseWriter, t *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := t.Execute(w, data); err != nil {
		log.Printf("render %s: %v", t.Name(), err)
	}
}
