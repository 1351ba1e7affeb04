package remittance

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/rcm/rcm/internal/platform/auth"
)

type Handler struct {
	processor *Processor
}

func NewHandler(processor *Processor) *Handler {
	return &Handler{processor: processor}
}

// RegisterRoutes mounts the remittance endpoints.
//
//	POST /remittances?type=x12-835&auto_reconcile=true  - record a file's payments
//	POST /remittances/parse?type=csv                    - parse without recording
//
// The file is either the raw request body or a multipart "file" field.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller, auth.RoleBillingManager))
	read.POST("/remittances/parse", h.Parse)

	// Ingest records payments, which is a posting action.
	post := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleBiller))
	post.POST("/remittances", h.Ingest)
}

// upload returns the file body, its name and declared type.
func upload(c echo.Context) (io.ReadCloser, string, FileType, error) {
	ft := FileType(c.QueryParam("type"))
	if ft == "" {
		ft = FileType(c.FormValue("type"))
	}
	if !ft.Valid() {
		return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "type must be x12-835 or csv")
	}
	if fh, err := c.FormFile("file"); err == nil {
		src, err := fh.Open()
		if err != nil {
			return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "failed to open uploaded file")
		}
		return src, fh.Filename, ft, nil
	}
	if c.Request().ContentLength == 0 {
		return nil, "", "", echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	return c.Request().Body, c.QueryParam("name"), ft, nil
}

func (h *Handler) Ingest(c echo.Context) error {
	src, name, ft, err := upload(c)
	if err != nil {
		return err
	}
	defer src.Close()

	auto, _ := strconv.ParseBool(c.QueryParam("auto_reconcile"))
	res, err := h.processor.Ingest(c.Request().Context(), src, ft, IngestOptions{
		AutoReconcile: auto,
		Actor:         auth.UserIDFromContext(c.Request().Context()),
		SourceName:    name,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Parse(c echo.Context) error {
	src, _, ft, err := upload(c)
	if err != nil {
		return err
	}
	defer src.Close()

	res, err := Parse(c.Request().Context(), src, ft)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
