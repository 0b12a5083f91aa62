package primary

import (
	"context"

	"github.com/gitzhang10/narwhal/config"
	"github.com/gitzhang10/narwhal/conn"
	"github.com/gitzhang10/narwhal/store"
	"github.com/hashicorp/go-hclog"
)

// Helper answers the certificates requests of other primaries from the store.
type Helper struct {
	committee  *config.Committee
	store      *store.Store
	sender     *conn.Sender
	logger     hclog.Logger
	rxRequests <-chan *CertificatesRequest
}

func newHelper(conf *config.Config, st *store.Store, sender *conn.Sender, rxRequests <-chan *CertificatesRequest) *Helper {
	return &Helper{
		committee:  conf.Committee,
		store:      st,
		sender:     sender,
		logger:     conf.Logger("helper"),
		rxRequests: rxRequests,
	}
}

// Run serves requests until ctx is done. A storage failure stops it.
func (h *Helper) Run(ctx context.Context) error {
	for {
		select {
		case req := <-h.rxRequests:
			addr, ok := h.committee.PrimaryAddress(req.Requestor)
			if !ok {
				h.logger.Warn("certificates request from an unknown authority", "requestor", req.Requestor)
				continue
			}
			var certs []*Certificate
			for _, digest := range req.Digests {
				cert, err := readCertificate(h.store, digest)
				if err != nil {
					h.logger.Error("fail to read a certificate", "digest", digest.Short(), "error", err)
					return err
				}
				if cert != nil {
					certs = append(certs, cert)
				}
			}
			if len(certs) == 0 {
				continue
			}
			if err := h.sender.Send(ctx, addr, CertificatesResponseTag, CertificatesResponse{Certificates: certs}); err != nil {
				h.logger.Error("fail to send the certificates", "requestor", req.Requestor, "error", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
