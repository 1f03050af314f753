package server

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/nczempin/httpd-go-epoll/protocol"
)

// Handler produces the response for one request. It runs on the reactor
// goroutine and must not block.
type Handler func(req *protocol.Request) *protocol.Response

type route struct {
	path   string
	method protocol.Method
}

// listenerTable maps exact (path, method) pairs to handlers. Registration may
// happen from any goroutine while the reactor is reading it.
type listenerTable struct {
	handlers *xsync.MapOf[route, Handler]
}

func newListenerTable() *listenerTable {
	return &listenerTable{handlers: xsync.NewMapOf[route, Handler]()}
}

func (t *listenerTable) add(path string, method protocol.Method, h Handler) {
	t.handlers.Store(route{path: path, method: method}, h)
}

func (t *listenerTable) remove(path string, method protocol.Method) bool {
	_, ok := t.handlers.LoadAndDelete(route{path: path, method: method})
	return ok
}

func (t *listenerTable) lookup(path string, method protocol.Method) (Handler, bool) {
	return t.handlers.Load(route{path: path, method: method})
}

func (t *listenerTable) size() int {
	return t.handlers.Size()
}
