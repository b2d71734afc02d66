// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


package rest

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mlnoga/neurolight/internal/frame"
)

// Serves persisted pipeline artifacts read-only over HTTP, for the external
// visualization and curation front-end. Processing never runs here; the server
// only exposes what a completed run wrote to the output directory
type Server struct {
	OutDir string
}

func NewServer(outDir string) *Server { return &Server{OutDir:outDir} }

func (s *Server) Run(addr string) error {
	r:=gin.Default()
	api:=r.Group("/api")
	{
		v1:=api.Group("/v1")
		{
			v1.GET("/ping",                getPing)
			v1.GET("/options",             s.getOptions)
			v1.GET("/planes/:p/shifts",    s.getShifts)
			v1.GET("/planes/:p/rois",      s.getROIs)
			v1.GET("/planes/:p/traces",    s.getTraces)
			v1.GET("/planes/:p/spikes",    s.getSpikes)
			v1.GET("/planes/:p/registered",s.getRegistered)
		}
	}
	return r.Run(addr)
}

func getPing(c *gin.Context) {
	c.JSON(200, gin.H{"message": "pong"})
}

// Streams a JSON artifact file as-is
func (s *Server) serveJSONFile(c *gin.Context, fileName string) {
	data, err:=os.ReadFile(fileName)
	if err!=nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) getOptions(c *gin.Context) {
	s.serveJSONFile(c, filepath.Join(s.OutDir, "options.json"))
}

func (s *Server) getShifts(c *gin.Context) {
	p, ok:=planeParam(c)
	if !ok { return }
	s.serveJSONFile(c, filepath.Join(s.OutDir, fmt.Sprintf("shifts_p%d.json", p)))
}

func (s *Server) getROIs(c *gin.Context) {
	p, ok:=planeParam(c)
	if !ok { return }
	s.serveJSONFile(c, filepath.Join(s.OutDir, fmt.Sprintf("rois_p%d.json", p)))
}

func (s *Server) getTraces(c *gin.Context) {
	p, ok:=planeParam(c)
	if !ok { return }
	s.serveJSONFile(c, filepath.Join(s.OutDir, fmt.Sprintf("traces_p%d.bin.json", p)))
}

func (s *Server) getSpikes(c *gin.Context) {
	p, ok:=planeParam(c)
	if !ok { return }
	s.serveJSONFile(c, filepath.Join(s.OutDir, fmt.Sprintf("spikes_p%d.bin.json", p)))
}

// Serves a chunk of registered frames as JSON, addressed by frame range and channel
func (s *Server) getRegistered(c *gin.Context) {
	p, ok:=planeParam(c)
	if !ok { return }
	src, err:=frame.OpenBinSource(filepath.Join(s.OutDir, fmt.Sprintf("reg_p%d.bin", p)))
	if err!=nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	from:=intQuery(c, "from", 0)
	to  :=intQuery(c, "to", src.Frames())
	ch  :=intQuery(c, "chan", 0)
	fs, err:=src.ReadChunk(from, to, ch)
	if err!=nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	width, height:=src.Dims()
	frames:=make([][]float32, len(fs))
	for i,f:=range fs { frames[i]=f.Data }
	c.JSON(http.StatusOK, gin.H{
		"plane": p, "from": from, "to": to, "chan": ch,
		"width": width, "height": height, "frames": frames,
	})
}

func planeParam(c *gin.Context) (int, bool) {
	p, err:=strconv.Atoi(c.Param("p"))
	if err!=nil || p<0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid plane %q", c.Param("p"))})
		return 0, false
	}
	return p, true
}

func intQuery(c *gin.Context, name string, def int) int {
	v:=c.Query(name)
	if v=="" { return def }
	n, err:=strconv.Atoi(v)
	if err!=nil { return def }
	return n
}
