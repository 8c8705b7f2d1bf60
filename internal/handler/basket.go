package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront-checkout/internal/domain/auth"
)

const maxBodySize = 1 << 16

var errBadRequest = errors.New("bad request")

type basketRequest struct {
	SKU      string
	Checkout bool
}

func decodeBasketRequest(r io.Reader) (basketRequest, error) {
	var req basketRequest
	d := jx.Decode(io.LimitReader(r, maxBodySize), 512)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "sku":
			if d.Next() == jx.Null {
				return d.Null()
			}
			v, err := d.Str()
			req.SKU = v
			return err
		case "checkout":
			v, err := d.Bool()
			req.Checkout = v
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return req, errors.Wrap(errBadRequest, err.Error())
	}
	return req, nil
}

// CreateBasket adds a product to the user's basket and optionally checks it
// out.
func (h *Handler) CreateBasket(w http.ResponseWriter, r *http.Request) {
	u, _ := auth.UserFrom(r.Context())

	req, err := decodeBasketRequest(r.Body)
	if err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.svc.Checkout(r.Context(), u.Username, req.SKU, req.Checkout)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodeResult(&e, res)
	writeJSON(w, http.StatusOK, e.Bytes())
}
