package api

import (
	"bytes"
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/svc/svc"
	"pastelite/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

//go:embed web/templates/*.html
var templateFS embed.FS

//go:embed web/static
var staticFS embed.FS

const expiryLayout = "2006-01-02 15:04:05 MST"

var uiMatcher = language.NewMatcher([]language.Tag{
	language.English,
	language.German,
	language.French,
	language.Spanish,
})

// UI renders the HTML front end. It only translates form fields into the
// same submit and retrieve calls the JSON API makes.
type UI struct {
	paste *svc.Paste
	cfg   *cfg.Cfg
	hdl   *Hdl
	pages map[string]*template.Template
}

type formValues struct {
	Content  string
	Hours    string
	Minutes  string
	Seconds  string
	MaxViews string
}

type pageData struct {
	Lang    string
	Form    formValues
	Error   string
	ID      string
	Content string
	Expires string
	Views   string
	Title   string
	Message string
}

func NewUI(p *svc.Paste, c *cfg.Cfg) (*UI, error) {
	ui := &UI{paste: p, cfg: c, hdl: &Hdl{paste: p, cfg: c}, pages: map[string]*template.Template{}}
	for _, page := range []string{"index", "paste", "error"} {
		t, err := template.ParseFS(templateFS, "web/templates/layout.html", "web/templates/"+page+".html")
		if err != nil {
			return nil, errors.Wrapf(err, "parse %s template", page)
		}
		ui.pages[page] = t
	}
	return ui, nil
}

func (ui *UI) Static() http.Handler {
	sub, err := fs.Sub(staticFS, "web/static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}

func (ui *UI) Index(w http.ResponseWriter, r *http.Request) {
	ui.render(w, r, http.StatusOK, "index", pageData{Form: formValues{Hours: "0", Minutes: "0", Seconds: "0"}})
}

func (ui *UI) Submit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, ui.cfg.MaxPasteSize*3+4096)
	if err := r.ParseForm(); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			ui.render(w, r, http.StatusBadRequest, "index", pageData{Error: domain.ErrPasteTooLarge.Msg})
			return
		}
		ui.render(w, r, http.StatusBadRequest, "index", pageData{Error: domain.ErrInvalidRequest.Msg})
		return
	}
	form := formValues{
		Content:  r.PostForm.Get("content"),
		Hours:    r.PostForm.Get("hours"),
		Minutes:  r.PostForm.Get("minutes"),
		Seconds:  r.PostForm.Get("seconds"),
		MaxViews: strings.TrimSpace(r.PostForm.Get("max_views")),
	}
	params := domain.SubmitParams{Content: form.Content}
	total := clampField(form.Hours, 23)*3600 + clampField(form.Minutes, 59)*60 + clampField(form.Seconds, 59)
	if total > 0 {
		params.TTLSeconds = &total
	}
	if form.MaxViews != "" {
		mv, err := strconv.ParseInt(form.MaxViews, 10, 64)
		if err != nil {
			ui.render(w, r, http.StatusBadRequest, "index", pageData{Form: form, Error: domain.ErrInvalidMaxViews.Msg})
			return
		}
		params.MaxViews = &mv
	}
	res, err := ui.paste.Submit(r.Context(), params)
	if err != nil {
		status := domain.Status(err)
		msg := domain.ToResp(err).Msg
		if status >= 500 {
			hlog.FromRequest(r).Error().Err(err).Msg("ui submit failed")
		}
		ui.render(w, r, status, "index", pageData{Form: form, Error: msg})
		return
	}
	http.Redirect(w, r, "/p/"+res.ID, http.StatusSeeOther)
}

// clampField reads one h/m/s box, treating junk as zero.
func clampField(raw string, max int64) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// View counts as a read, exactly like GET /api/pastes/{id}.
func (ui *UI) View(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := ui.paste.Retrieve(r.Context(), id, ui.hdl.now(r))
	if err != nil {
		status := domain.Status(err)
		if status == http.StatusNotFound {
			ui.render(w, r, status, "error", pageData{Title: "Paste Not Found", Message: "Paste not found or has expired."})
			return
		}
		ui.render(w, r, status, "error", pageData{Title: "Something went wrong", Message: "Failed to load paste. Please try again."})
		return
	}
	p := printerFor(r)
	data := pageData{ID: id, Content: view.Content, Expires: "Never", Views: "Unlimited"}
	if view.ExpiresAt != nil {
		data.Expires = view.ExpiresAt.UTC().Format(expiryLayout)
	}
	if view.RemainingViews != nil {
		data.Views = p.Sprintf("%d remaining", *view.RemainingViews)
	}
	ui.render(w, r, http.StatusOK, "paste", data)
}

func matchLanguage(r *http.Request) language.Tag {
	tags, _, _ := language.ParseAcceptLanguage(r.Header.Get("Accept-Language"))
	tag, _, _ := uiMatcher.Match(tags...)
	return tag
}

func printerFor(r *http.Request) *message.Printer {
	return message.NewPrinter(matchLanguage(r))
}

// render buffers the page so a template failure never leaves a half-written
// 200 behind.
func (ui *UI) render(w http.ResponseWriter, r *http.Request, status int, page string, data pageData) {
	base, _ := matchLanguage(r).Base()
	data.Lang = base.String()
	var buf bytes.Buffer
	if err := ui.pages[page].ExecuteTemplate(&buf, "layout", data); err != nil {
		util.Error().Err(err).Str("page", page).Str("request_id", util.GetRequestID(r.Context())).Msg("template render failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
