// Package openfile implements the open-arbitration core of a CIFS/SMB
// compatible file server: create-disposition handling, share-mode conflict
// arbitration, opportunistic-lock coordination, and deferred-open retry.
//
// The package models everything outside that arbitration as external: wire
// framing, authentication, ACL storage, and the filesystem itself (behind
// the VFS interface in vfs.go). The orchestrator (Orchestrator.CreateFile)
// is the single entry point a transport calls.
package openfile
