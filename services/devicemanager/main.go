// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"os"

	"github.com/relabs-tech/devicemanager/core/logger"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Default().WithError(err).Errorln("command failed")
		os.Exit(1)
	}
}
