package handlers

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"time"

	"github.com/nimasrn/outbound-caller/internal/dispatch"
	"github.com/nimasrn/outbound-caller/internal/services"
	xhttp "github.com/nimasrn/outbound-caller/pkg/http"
	"github.com/nimasrn/outbound-caller/pkg/logger"
	"github.com/pkg/errors"
)

//go:embed templates/*.html
var templates embed.FS

var pages = template.Must(template.ParseFS(templates, "templates/*.html"))

const MsgCallScheduled = "Your call has been scheduled. Our agent will call you shortly."

type CallSubmitter interface {
	Submit(ctx context.Context, sub dispatch.Submission) (*services.SubmitResult, error)
}

type CallHandler struct {
	svc       CallSubmitter
	agentName string
	timeout   time.Duration
}

func NewCallHandler(svc CallSubmitter, agentName string, timeout time.Duration) *CallHandler {
	return &CallHandler{svc: svc, agentName: agentName, timeout: timeout}
}

func RegisterCallRoutes(r *xhttp.Router, h *CallHandler) {
	r.GET("/", h.Index)
	r.POST("/submit", h.Submit)
}

func (h *CallHandler) Index(ctx *xhttp.RequestCtx) {
	var buf bytes.Buffer
	err := pages.ExecuteTemplate(&buf, "index.html", map[string]string{
		"Title":     "Request a call",
		"AgentName": h.agentName,
	})
	if err != nil {
		logger.Error("render form page", "error", err)
		writeError(ctx, xhttp.StatusInternalServerError, "An unexpected error occurred")
		return
	}
	ctx.SetContentType("text/html; charset=utf-8")
	ctx.SetStatusCode(xhttp.StatusOK)
	ctx.SetBody(buf.Bytes())
}

// Submit blocks until the dispatch is confirmed or refused.
func (h *CallHandler) Submit(ctx *xhttp.RequestCtx) {
	sub := dispatch.Submission{
		Name:  formValue(ctx, "name"),
		Phone: formValue(ctx, "phone"),
		Email: formValue(ctx, "email"),
		Query: formValue(ctx, "query"),
	}

	c, cancel := requestContext(h.timeout)
	defer cancel()

	res, err := h.svc.Submit(c, sub)
	if err != nil {
		var verr *dispatch.ValidationError
		switch {
		case errors.As(err, &verr):
			writeError(ctx, xhttp.StatusBadRequest, verr.Error())
		case errors.Is(err, dispatch.ErrDispatchFailed):
			writeError(ctx, xhttp.StatusInternalServerError, "Error creating dispatch: "+err.Error())
		default:
			logger.Error("error in form processing", "error", err)
			writeError(ctx, xhttp.StatusInternalServerError, "Error processing your request: "+err.Error())
		}
		return
	}

	writeJSON(ctx, xhttp.StatusOK, response{Success: true, Message: MsgCallScheduled, Details: res})
}
