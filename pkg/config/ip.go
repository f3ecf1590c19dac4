package config

import (
	"bytes"
	"crypto/rand"
	"net"
	"time"

	"github.com/pion/stun"
	"github.com/pkg/errors"
)

// DetermineIP picks the address the relay advertises for TURN and for
// printed connection hints. With UseExternalIP it asks a STUN server,
// otherwise it takes the first non-loopback interface address.
func (conf *Config) DetermineIP() (string, error) {
	if conf.ICE.UseExternalIP {
		stunServers := conf.ICE.STUNServers
		if len(stunServers) == 0 {
			stunServers = DefaultStunServers
		}
		var err error
		for i := 0; i < 3; i++ {
			var ip string
			ip, err = GetExternalIP(stunServers, nil)
			if err == nil {
				return ip, nil
			}
			time.Sleep(500 * time.Millisecond)
		}
		return "", errors.Errorf("could not resolve external IP: %v", err)
	}

	addresses, err := GetLocalIPAddresses(false)
	if len(addresses) > 0 {
		return addresses[0], err
	}
	return "", err
}

func GetLocalIPAddresses(includeLoopback bool) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var addresses, loopbacks []string
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			if ip.IsLoopback() {
				loopbacks = append(loopbacks, ip.String())
			} else {
				addresses = append(addresses, ip.String())
			}
		}
	}

	if includeLoopback {
		addresses = append(addresses, loopbacks...)
	}
	if len(addresses) > 0 {
		return addresses, nil
	}
	if len(loopbacks) > 0 {
		return loopbacks, nil
	}
	return nil, errors.New("no usable local IP address")
}

// GetExternalIP asks the first STUN server for this host's mapped address,
// then loops a probe through that address to confirm inbound UDP reaches us.
func GetExternalIP(stunServers []string, localAddr *net.UDPAddr) (string, error) {
	if len(stunServers) == 0 {
		return "", errors.New("no STUN servers configured")
	}

	dialer := &net.Dialer{}
	if localAddr != nil {
		dialer.LocalAddr = localAddr
	}
	conn, err := dialer.Dial("udp4", stunServers[0])
	if err != nil {
		return "", err
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		conn.Close()
		return "", err
	}
	defer client.Close()

	message, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return "", err
	}

	var stunErr error
	ipChan := make(chan string, 1)
	err = client.Start(message, func(res stun.Event) {
		if res.Error != nil {
			stunErr = res.Error
			return
		}
		var mapped stun.XORMappedAddress
		if err := mapped.GetFrom(res.Message); err != nil {
			stunErr = err
			return
		}
		if ip := mapped.IP.To4(); ip != nil {
			select {
			case ipChan <- ip.String():
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}

	select {
	case ip := <-ipChan:
		client.Close()
		return ip, validateExternalIP(ip, localAddr)
	case <-time.After(5 * time.Second):
		if stunErr != nil {
			return "", errors.Wrap(stunErr, "could not determine external IP")
		}
		return "", errors.New("could not determine external IP")
	}
}

// validateExternalIP sends a random token to the advertised address and
// waits for it to arrive back on the local listener.
func validateExternalIP(externalIP string, localAddr *net.UDPAddr) error {
	srv, err := net.ListenUDP("udp", localAddr)
	if err != nil {
		return err
	}
	defer srv.Close()

	token := make([]byte, 24)
	if _, err = rand.Read(token); err != nil {
		return err
	}

	validCh := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := srv.Read(buf)
			if err != nil {
				return
			}
			if bytes.Equal(buf[:n], token) {
				close(validCh)
				return
			}
		}
	}()

	cli, err := net.DialUDP("udp", nil, &net.UDPAddr{
		IP:   net.ParseIP(externalIP),
		Port: srv.LocalAddr().(*net.UDPAddr).Port,
	})
	if err != nil {
		return err
	}
	defer cli.Close()

	if _, err = cli.Write(token); err != nil {
		return err
	}

	select {
	case <-validCh:
		return nil
	case <-time.After(3 * time.Second):
		return errors.New("could not validate external IP")
	}
}
