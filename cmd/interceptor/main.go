// interceptor - recording forward proxy
package main

import "github.com/getmockd/interceptor/pkg/cli"

func main() {
	cli.Execute()
}
