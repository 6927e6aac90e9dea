package container

import "fmt"

// Address is an exposed port on a container.
type Address struct {
	// ContainerIP is the IP address from inside the container.
	ContainerIP string `json:"container_ip"`
	// ContainerPort is the port from inside the container.
	ContainerPort int `json:"container_port"`

	// HostIP and HostPort are the address from outside the container; they can
	// differ from the container address because of network forwarding on the
	// host machine.
	HostIP   *string `json:"host_ip,omitempty"`
	HostPort *int    `json:"host_port,omitempty"`
}

func (a Address) String() string {
	s := fmt.Sprintf("%s:%d", a.ContainerIP, a.ContainerPort)
	if a.HostIP != nil {
		s = fmt.Sprintf("%s:%d:%s", *a.HostIP, *a.HostPort, s)
	}
	return s
}
