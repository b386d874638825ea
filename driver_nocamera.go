//go:build !camera

package main

const cameraBuild = false
