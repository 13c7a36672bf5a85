// Package service ties the iotvault server together.
//
// A Server owns the TLS listener (pkg/transport), runs one session state
// machine (pkg/session) per accepted connection on that connection's
// goroutine, optionally advertises itself over mDNS (pkg/discovery) and,
// on Stop, flushes the directory through the persistence engine.
//
// Example usage:
//
//	dir := directory.New()
//	_ = engine.Load(dir)
//	handler, _ := session.NewHandler(session.Config{Directory: dir, ...})
//
//	svc, err := service.NewServer(dir, handler, service.Config{
//		ListenAddress: ":12345",
//		TLSConfig:     tlsConf,
//		Engine:        engine,
//	})
//	svc.Start(ctx)
//	defer svc.Stop()
package service
