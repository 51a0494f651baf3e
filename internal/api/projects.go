package api

import (
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/opensandbox/runbox/internal/auth"
	"github.com/opensandbox/runbox/internal/metrics"
	"github.com/opensandbox/runbox/pkg/types"
)

func (s *Server) requireProjects(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.projects == nil {
			return c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{
				Error: "projects are not enabled", Code: "unavailable",
			})
		}
		return next(c)
	}
}

// projectOp counts the outcome of op and writes the error response if
// there is one.
func (s *Server) projectOp(c echo.Context, op string, err error) error {
	result := "ok"
	if err != nil {
		_, result = errorStatus(err)
	}
	metrics.ProjectOpsTotal.WithLabelValues(op, result).Inc()
	if err != nil {
		return s.writeError(c, err)
	}
	return nil
}

func (s *Server) createProject(c echo.Context) error {
	var req types.CreateProjectRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	p, err := s.projects.CreateProject(c.Request().Context(), auth.GetOwnerID(c), req.Name, req.Language)
	if err != nil {
		return s.projectOp(c, "create", err)
	}
	s.projectOp(c, "create", nil)
	return c.JSON(http.StatusCreated, p)
}

func (s *Server) listProjects(c echo.Context) error {
	list, err := s.projects.ListProjects(c.Request().Context(), auth.GetOwnerID(c))
	if err != nil {
		return s.projectOp(c, "list", err)
	}
	if list == nil {
		list = []types.ProjectSummary{}
	}
	return c.JSON(http.StatusOK, types.ProjectListResponse{Projects: list})
}

func (s *Server) getProject(c echo.Context) error {
	p, err := s.projects.GetProject(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) deleteProject(c echo.Context) error {
	err := s.projects.DeleteProject(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"))
	if err != nil {
		return s.projectOp(c, "delete", err)
	}
	s.projectOp(c, "delete", nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listFiles(c echo.Context) error {
	files, err := s.projects.ListFiles(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	if files == nil {
		files = []string{}
	}
	return c.JSON(http.StatusOK, types.FileListResponse{Files: files})
}

func (s *Server) readFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return badRequest(c, "path query parameter is required")
	}
	content, err := s.projects.ReadFile(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"), path)
	if err != nil {
		return s.writeError(c, err)
	}
	return c.String(http.StatusOK, content)
}

func (s *Server) writeFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return badRequest(c, "path query parameter is required")
	}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return badRequest(c, "failed to read request body: "+err.Error())
	}
	err = s.projects.WriteFile(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"), path, string(body))
	if err != nil {
		return s.projectOp(c, "write_file", err)
	}
	s.projectOp(c, "write_file", nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteFile(c echo.Context) error {
	path := c.QueryParam("path")
	if path == "" {
		return badRequest(c, "path query parameter is required")
	}
	err := s.projects.DeleteFile(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"), path)
	if err != nil {
		return s.projectOp(c, "delete_file", err)
	}
	s.projectOp(c, "delete_file", nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) addDependency(c echo.Context) error {
	var req types.AddDependencyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	err := s.projects.AddDependency(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"), req.Name, req.Version)
	if err != nil {
		return s.projectOp(c, "add_dependency", err)
	}
	s.projectOp(c, "add_dependency", nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) removeDependency(c echo.Context) error {
	// scoped npm names arrive escaped, e.g. @types%2Fnode
	name, err := url.PathUnescape(c.Param("name"))
	if err != nil {
		return badRequest(c, "invalid dependency name")
	}
	err = s.projects.RemoveDependency(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"), name)
	if err != nil {
		return s.projectOp(c, "remove_dependency", err)
	}
	s.projectOp(c, "remove_dependency", nil)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) manifest(c echo.Context) error {
	m, err := s.projects.Manifest(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"))
	if err != nil {
		return s.writeError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) exportProject(c echo.Context) error {
	res, err := s.projects.ExportProject(c.Request().Context(), auth.GetOwnerID(c), c.Param("id"))
	if err != nil {
		return s.projectOp(c, "export", err)
	}
	s.projectOp(c, "export", nil)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) importProject(c echo.Context) error {
	var req types.ImportRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if req.Key == "" {
		return badRequest(c, "key is required")
	}
	p, err := s.projects.ImportProject(c.Request().Context(), auth.GetOwnerID(c), req.Key)
	if err != nil {
		return s.projectOp(c, "import", err)
	}
	s.projectOp(c, "import", nil)
	return c.JSON(http.StatusCreated, p)
}
