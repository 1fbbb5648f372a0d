package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"roomie_match/internal/domain"
)

const mimeProblemJSON = "application/problem+json"

// Problem is an RFC 7807 error body.
type Problem struct {
	Type   string              `json:"type"`
	Title  string              `json:"title"`
	Status int                 `json:"status"`
	Detail string              `json:"detail,omitempty"`
	Errors []domain.FieldError `json:"errors,omitempty"`
}

func problemFor(err error) Problem {
	var (
		verr *domain.ValidationError
		herr *echo.HTTPError
		p    = Problem{Type: "about:blank", Detail: err.Error()}
	)
	switch {
	case errors.As(err, &verr):
		p.Status, p.Errors = http.StatusBadRequest, verr.Errors
	case errors.Is(err, domain.ErrValidation):
		p.Status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		p.Status = http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyExists):
		p.Status = http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		p.Status = http.StatusUnauthorized
	case errors.As(err, &herr):
		p.Status = herr.Code
		if msg, ok := herr.Message.(string); ok {
			p.Detail = msg
		}
	default:
		p.Status = http.StatusInternalServerError
		p.Detail = ""
	}
	p.Title = http.StatusText(p.Status)
	return p
}

// errorHandler renders every handler error as problem+json. Server errors are
// logged; their details never reach the client.
func errorHandler(logger *log.Entry) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		p := problemFor(err)
		if p.Status >= http.StatusInternalServerError {
			logger.WithError(err).WithFields(log.Fields{
				"method": c.Request().Method,
				"path":   c.Path(),
			}).Error("request failed")
		}

		c.Response().Header().Set(echo.HeaderContentType, mimeProblemJSON)
		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(p.Status)
		} else {
			c.Response().WriteHeader(p.Status)
			werr = c.Echo().JSONSerializer.Serialize(c, p, "")
		}
		if werr != nil {
			logger.WithError(werr).Warn("failed to write error response")
		}
	}
}
