// Command lritdiscover lists receivers advertising themselves over mDNS.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rjboer/lritrecv/internal/mdns"
)

func main() {
	timeout := flag.Int("timeout", 5, "Timeout in seconds")
	flag.Parse()

	fmt.Println("===============================================================")
	fmt.Println(" Receiver discovery")
	fmt.Println("===============================================================")
	fmt.Printf(" Service : %s.local\n", mdns.Service)
	fmt.Printf(" Timeout : %d seconds\n", *timeout)
	fmt.Println("---------------------------------------------------------------")

	start := time.Now()
	hosts, err := mdns.Discover(context.Background(), time.Duration(*timeout)*time.Second)
	duration := time.Since(start)

	if err != nil {
		fmt.Fprintf(os.Stderr, "Discovery error: %v\n", err)
		os.Exit(1)
	}

	if len(hosts) == 0 {
		fmt.Printf("No receivers found (%s)\n", duration.Truncate(time.Millisecond))
		return
	}

	fmt.Printf("Discovered %d receiver(s) in %s\n", len(hosts), duration.Truncate(time.Millisecond))
	fmt.Println("===============================================================")
	for i, h := range hosts {
		printHost(os.Stdout, i+1, h)
	}
}

func printHost(w io.Writer, n int, h mdns.Host) {
	fmt.Fprintf(w, " Receiver #%d\n", n)
	fmt.Fprintln(w, "---------------------------------------------------------------")
	fmt.Fprintf(w, " Instance : %s\n", h.Instance)
	fmt.Fprintf(w, " Hostname : %s\n", h.Hostname)
	fmt.Fprintf(w, " Port     : %d\n", h.Port)

	fmt.Fprintln(w, " Addresses:")
	if len(h.Addresses) == 0 {
		fmt.Fprintln(w, "   <none>")
	}
	for _, ip := range h.Addresses {
		fmt.Fprintf(w, "   - %s\n", ip.String())
	}

	fmt.Fprintln(w, " TXT Records:")
	if len(h.TXT) == 0 {
		fmt.Fprintln(w, "   <none>")
	}
	for _, txt := range h.TXT {
		fmt.Fprintf(w, "   - %s\n", txt)
	}

	fmt.Fprintln(w, " Endpoints:")
	fmt.Fprintf(w, "   - %s/api/health\n", h.URL())
	fmt.Fprintf(w, "   - %s/api/stats\n", h.URL())
	fmt.Fprintf(w, "   - ws%s/ws/packets\n", h.URL()[len("http"):])
	fmt.Fprintln(w, "===============================================================")
}
