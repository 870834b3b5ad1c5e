package lvs

// IPVSHandle abstracts IPVS kernel operations.
// On Linux, it wraps the real moby/ipvs netlink handle.
// Elsewhere NewIPVSHandle returns the in-memory fake, which tests also use directly.
type IPVSHandle interface {
	Close()
	NewService(svc *Service) error
	UpdateService(svc *Service) error
	DelService(svc *Service) error
	GetServices() ([]*Service, error)
	NewDestination(svc *Service, dst *Destination) error
	UpdateDestination(svc *Service, dst *Destination) error
	DelDestination(svc *Service, dst *Destination) error
	GetDestinations(svc *Service) ([]*Destination, error)
	Flush() error
}
