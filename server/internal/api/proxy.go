package api

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
)

const proxyUserAgent = "MuLoomProxy/1.0"

// newProxyClient 返回转发远程媒体用的客户端：连接 10s、等待响应头 30s，正文不设总时限。
func newProxyClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// handleProxyMedia 把 http(s) 远程媒体转发给浏览器，绕过跨域限制。
// 上游 4xx/5xx 原样返回状态码，连接失败返回 502。
func (s *Server) handleProxyMedia(c *gin.Context) {
	raw := c.Query("url")
	target, err := url.Parse(raw)
	if raw == "" || err != nil || target.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url"})
		return
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported scheme"})
		return
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, target.String(), nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid url"})
		return
	}
	req.Header.Set("User-Agent", proxyUserAgent)

	resp, err := s.proxy.Do(req)
	if err != nil {
		s.logger.Printf("[API] ⚠️ proxy fetch %s failed: %v", target.Host, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("upstream fetch failed: %v", err)})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		c.JSON(resp.StatusCode, gin.H{"error": fmt.Sprintf("upstream returned %d", resp.StatusCode)})
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	if length := resp.Header.Get("Content-Length"); length != "" {
		c.Header("Content-Length", length)
	}
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		s.logger.Printf("[API] proxy stream %s interrupted: %v", target.Host, err)
	}
}
