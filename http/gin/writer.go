package gin

import (
	"bufio"
	"errors"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
)

// settlementWriter holds back the response until the payment is settled.
// Like gin's own writer, WriteHeader only records the status; the response
// commits on the first write, WriteHeaderNow, Flush or Hijack. Error statuses
// commit without settling.
type settlementWriter struct {
	gin.ResponseWriter

	// settle performs settlement and reports whether the response may proceed.
	// On failure it has already written the error response.
	settle    func() bool
	onFailure func(statusCode int)

	status    int
	committed bool
	hijacked  bool
}

func (w *settlementWriter) WriteHeader(code int) {
	if w.committed {
		return
	}
	w.status = code
}

func (w *settlementWriter) WriteHeaderNow() {
	if w.committed {
		return
	}
	w.committed = true

	code := w.status
	if code == 0 {
		code = http.StatusOK
	}
	if code >= http.StatusBadRequest {
		if w.onFailure != nil {
			w.onFailure(code)
		}
		w.ResponseWriter.WriteHeader(code)
		w.ResponseWriter.WriteHeaderNow()
		return
	}

	if !w.settle() {
		w.hijacked = true
		return
	}
	w.ResponseWriter.WriteHeader(code)
	w.ResponseWriter.WriteHeaderNow()
}

func (w *settlementWriter) Write(b []byte) (int, error) {
	w.WriteHeaderNow()
	if w.hijacked {
		return len(b), nil
	}
	return w.ResponseWriter.Write(b)
}

func (w *settlementWriter) WriteString(s string) (int, error) {
	w.WriteHeaderNow()
	if w.hijacked {
		return len(s), nil
	}
	return w.ResponseWriter.WriteString(s)
}

func (w *settlementWriter) Status() int {
	if !w.committed && w.status != 0 {
		return w.status
	}
	return w.ResponseWriter.Status()
}

func (w *settlementWriter) Written() bool {
	return w.committed
}

func (w *settlementWriter) Flush() {
	w.WriteHeaderNow()
	if w.hijacked {
		return
	}
	w.ResponseWriter.Flush()
}

func (w *settlementWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if !w.committed {
		w.committed = true
		if !w.settle() {
			w.hijacked = true
			return nil, nil, errors.New("payment settlement failed")
		}
	}
	if w.hijacked {
		return nil, nil, errors.New("payment settlement failed")
	}
	return w.ResponseWriter.Hijack()
}
