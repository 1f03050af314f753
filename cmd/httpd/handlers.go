package main

import (
	"github.com/nczempin/httpd-go-epoll/protocol"
	"github.com/nczempin/httpd-go-epoll/server"
)

// registerDemo wires the sample handler for every method on path
func registerDemo(srv *server.Server, path string) {
	for _, m := range []protocol.Method{
		protocol.MethodGet, protocol.MethodHead, protocol.MethodPost,
		protocol.MethodPut, protocol.MethodDelete, protocol.MethodPatch,
		protocol.MethodOptions, protocol.MethodTrace,
	} {
		srv.AddListener(path, m, demoHandler)
	}
}

// demoHandler answers GET with a greeting, echoes POST and PUT bodies and
// acknowledges DELETE. Other methods are refused.
func demoHandler(req *protocol.Request) *protocol.Response {
	switch req.Method() {
	case protocol.MethodGet:
		if _, ok := req.QueryValue("test"); ok {
			return protocol.NewResponse(protocol.StatusOK).
				AddHeader("Content-Type", "text/html").
				SetBody([]byte("This is the test!"))
		}
		return protocol.NewResponse(protocol.StatusOK).
			AddHeader("Content-Type", "text/plain").
			SetBody([]byte("Hello world!"))

	case protocol.MethodPost:
		return echo(req, protocol.StatusCreated)

	case protocol.MethodPut:
		return echo(req, protocol.StatusOK)

	case protocol.MethodDelete:
		return protocol.NewResponse(protocol.StatusNoContent)

	default:
		return protocol.NewResponse(protocol.StatusMethodNotAllowed)
	}
}

func echo(req *protocol.Request, status int) *protocol.Response {
	resp := protocol.NewResponse(status).SetBody(req.Body())
	if ct, ok := req.Header("Content-Type"); ok {
		resp.AddHeader("Content-Type", ct)
	}
	return resp
}
